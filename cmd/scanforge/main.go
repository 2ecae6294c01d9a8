package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scanforge",
	Short: "Scanforge - vulnerability scan orchestration",
	Long: `Scanforge orchestrates containerized vulnerability scans and keeps a
self-growing template library: a synthesis pipeline fetches recent CVEs,
generates detection templates with an LLM, and validates them against a
reference target before they join the scanning corpus.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Scanforge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(pipelineCmd)
}
