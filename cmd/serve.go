package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/plumber/internal/config"
	"firestige.xyz/plumber/internal/daemon"
	"firestige.xyz/plumber/internal/log"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the plumber daemon in foreground",
	Long: `Run the plumber daemon process in foreground.

The daemon will:
  1. Load the daemon configuration file
  2. Load every graph wiring file under the configured graph directory
  3. Build a reference module and dispatcher per configured module entry
  4. Serve Prometheus metrics and a JSON status endpoint
  5. Handle SIGTERM/SIGINT for graceful shutdown`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("failed to load config", err)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		exitWithError("failed to initialize daemon", err)
	}

	logger := log.GetLogger()
	logger.WithField("config", configFile).WithField("graph_dir", cfg.GraphDir).Info("plumberd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		exitWithError("daemon exited with error", err)
	}

	fmt.Println("plumberd stopped")
}
