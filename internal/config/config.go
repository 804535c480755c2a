// Package config handles daemon and graph-wiring configuration loading.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/plumber/internal/log"
)

// DaemonConfig is the top-level static configuration for the plumberd
// process. Maps to the `plumber:` root key in YAML.
type DaemonConfig struct {
	Log      log.LoggerConfig      `mapstructure:"log"`
	Metrics  MetricsConfig         `mapstructure:"metrics"`
	GraphDir string                `mapstructure:"graph_dir"`
	Modules  map[string]ModuleSpec `mapstructure:"modules"`
}

// MetricsConfig contains Prometheus metrics server settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ModuleSpec names a module type to load, the graph it feeds boundary
// requests into, and the construction parameters the two reference
// modules need. Args is kept for forward compatibility with module
// types whose Init([]string) does real work; the reference modules'
// Init is a no-op since they take their parameters at construction time
// instead (mirrors the teacher's capture-plugin Init convention of a
// flat argv, generalized with a couple of typed fields since
// module.Module's Init signature can't carry a reader or a queue depth).
type ModuleSpec struct {
	Type  string   `mapstructure:"type"`
	Graph string   `mapstructure:"graph"`
	Args  []string `mapstructure:"args"`

	// HeaderSize is the boundary pipe's typed header size (0 = untyped).
	HeaderSize uint32 `mapstructure:"header_size"`
	// QueueDepth configures a "plumber/mem" module's Submit queue.
	QueueDepth int `mapstructure:"queue_depth"`
	// FilePath is the line-delimited source a "plumber/file" module reads.
	FilePath string `mapstructure:"file_path"`
}

// configRoot is the top-level wrapper matching the YAML structure
// `plumber: ...`.
type configRoot struct {
	Plumber DaemonConfig `mapstructure:"plumber"`
}

// Load loads the daemon configuration from file. The YAML/JSON/TOML file
// (any format viper supports by extension) uses `plumber:` as its root
// key; env vars use a PLUMBER_ prefix (e.g. PLUMBER_LOG_LEVEL).
func Load(path string) (*DaemonConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Plumber

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values under the "plumber." prefix to match
// the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("plumber.log.level", "info")
	v.SetDefault("plumber.log.pattern", "%time [%level] %field %msg")
	v.SetDefault("plumber.log.time", "2006-01-02 15:04:05.000")

	v.SetDefault("plumber.metrics.enabled", true)
	v.SetDefault("plumber.metrics.listen", ":9090")
	v.SetDefault("plumber.metrics.path", "/metrics")

	v.SetDefault("plumber.graph_dir", "/etc/plumber/graphs")
}

// Validate checks required fields and applies defaults that depend on
// other fields.
func (cfg *DaemonConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Log.Level != "" && !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}

	for name, m := range cfg.Modules {
		if m.Type == "" {
			return fmt.Errorf("modules.%s: type is required", name)
		}
		if m.Graph == "" {
			return fmt.Errorf("modules.%s: graph is required", name)
		}
	}

	return nil
}
