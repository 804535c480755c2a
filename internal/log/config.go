package log

// LoggerConfig controls the package-level Init call. Pattern/Time drive the
// formatter (see formatter.go); File, when Enabled with a non-empty
// Filename, adds a rotated file output via lumberjack alongside stdout.
type LoggerConfig struct {
	Pattern string `mapstructure:"pattern"`
	Time    string `mapstructure:"time"`
	Level   string `mapstructure:"level"`

	File FileConfig `mapstructure:"file"`
}

// FileConfig configures the optional rotated file appender.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`    // megabytes
	MaxBackups int    `mapstructure:"max_backups"` // number of old files to keep
	MaxAge     int    `mapstructure:"max_age"`     // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns the config GetLogger initializes the package logger
// with when it is called before Init. Init itself uses the config it is
// given as is.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Pattern: "%time [%level] %field %msg",
		Time:    "2006-01-02 15:04:05.000",
		Level:   "info",
	}
}
