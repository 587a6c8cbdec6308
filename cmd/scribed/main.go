package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "scribed",
		Short:         "Speech ingestion and recognition service",
		Long:          "scribed accepts recordings from devices and per-participant folders, transcribes them and publishes a live feed of recognized text.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (.yaml or .toml); defaults plus SCRIBE_* env when empty")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newRecognizeCmd(&configPath))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}
