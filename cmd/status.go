package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/plumber/internal/daemon"
)

var statusAddr string

// statusCmd queries a running daemon's /debug/status endpoint and prints
// it pretty-printed. This is the in-process introspection this module
// substitutes for the teacher's Unix-domain-socket RPC control plane.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running plumberd's status endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		runStatus()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:9090",
		"base address of the running daemon's metrics/status server")
}

func runStatus() {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(statusAddr + "/debug/status")
	if err != nil {
		exitWithError("failed to reach daemon status endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		exitWithError(fmt.Sprintf("daemon returned status %s", resp.Status), nil)
	}

	var report daemon.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		exitWithError("failed to decode status response", err)
	}

	for name, g := range report.Graphs {
		fmt.Printf("%s: %d nodes, %d pending tasks\n", name, g.Nodes, g.Pending)
	}
}
