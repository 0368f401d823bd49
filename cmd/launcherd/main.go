// launcherd runs the execution orchestration daemon and ships a small admin
// client for talking to a running daemon.
//
// Usage:
//
//	launcherd serve
//	launcherd [--api-url URL] launch <run_id>
//	launcherd [--api-url URL] terminate <run_id>
//	launcherd [--api-url URL] status <run_id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	var apiURL string

	rootCmd := &cobra.Command{
		Use:           "launcherd",
		Short:         "Pipeline run launcher daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8084", "launcher API URL")

	rootCmd.AddCommand(
		newServeCmd(),
		newLaunchCmd(&apiURL),
		newTerminateCmd(&apiURL),
		newStatusCmd(&apiURL),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
