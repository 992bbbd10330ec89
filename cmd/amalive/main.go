// Package main is the amalive server: the session API and the room visit
// socket in one process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "amalive"
)

// configPaths are tried in order when --config is not given.
var configPaths = []string{
	"configs/config.yaml",
	"/etc/amalive/config.yaml",
	"config.yaml",
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	serve := func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Live AMA session server",
		Long: `amalive serves AMA sessions: a JSON API for creating, listing and
driving sessions through UPCOMING, LIVE and ENDED, and a WebSocket room
endpoint that runs every visit (composition, countdown, microphone and
active-speaker detection).`,
		SilenceUsage: true,
		RunE:         serve,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:          "serve",
		Short:        "Run the API and signaling servers",
		SilenceUsage: true,
		RunE:         serve,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
