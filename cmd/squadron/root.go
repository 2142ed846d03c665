package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfigDir   string
	flagAPIBaseURL  string
	flagAPIToken    string
)

// rootCmd is the base command for squadron.
var rootCmd = &cobra.Command{
	Use:   "squadron",
	Short: "Event-driven pipeline orchestrator for PR/issue-scoped LLM agent workflows",
	Long: `Squadron drives multi-stage pipelines of LLM agents reacting to forge
events (issues, pull requests, reviews, CI status), enforcing per-agent
timeouts and circuit breakers, gating stage transitions on PR/CI state, and
recovering cleanly from crashes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", envOrDefault("SQUADRON_CONFIG_DIR", "./deploy/config"), "Path to configuration directory (env: SQUADRON_CONFIG_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagAPIBaseURL, "api", envOrDefault("SQUADRON_API_URL", "http://localhost:8080"), "Dashboard API base URL (env: SQUADRON_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flagAPIToken, "token", os.Getenv("SQUADRON_API_TOKEN"), "Dashboard API bearer token (env: SQUADRON_API_TOKEN)")

	rootCmd.AddCommand(serveCmd, pipelinesCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
