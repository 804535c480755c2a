// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "plumberd",
	Short: "Plumber - a service-composition runtime for typed pipe graphs",
	Long: `Plumber runs typed service graphs: modules accept boundary requests,
servlet nodes transform pipe data along graph edges, and the dispatcher
drives each request to completion through a cooperative step engine.

Commands:
  serve          run the daemon: load configured graphs and modules, serve forever
  graph validate parse and type-check a graph wiring file without running it
  graph run      load one graph file standalone and run it against a reference module
  status         query a running daemon's /debug/status endpoint`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/plumber/config.yml",
		"daemon config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(statusCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
