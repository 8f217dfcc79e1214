package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string

	rootCmd = &cobra.Command{
		Use:   "tune-orch",
		Short: "Local orchestrator for containerized LLM fine-tuning",
		Long: `tune-orch manages a GPU training container, launches fine-tuning
jobs inside it, records runs and metrics in a local database, and
serves a web API and terminal dashboard for monitoring them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "URL of a running tune-orch server (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
