package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scanforge/scanforge/pkg/types"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Control the template synthesis pipeline",
}

var pipelineTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a synthesis run",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run-id")

		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := m.TriggerPipeline(cmd.Context(), types.TriggerManual, runID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pipeline run started\n")
		fmt.Printf("  Run ID:   %s\n", run.ID)
		fmt.Printf("  Root job: %s\n", run.RootJobID)
		return nil
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show a synthesis run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := m.GetPipelineRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

var pipelineMetricsCmd = &cobra.Command{
	Use:   "metrics [CVE_ID]",
	Short: "Show synthesis counters, globally or for one CVE",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		var counters map[string]int64
		if len(args) == 1 {
			counters, err = m.GetCVEMetrics(cmd.Context(), args[0])
		} else {
			counters, err = m.GetPipelineMetrics(cmd.Context())
		}
		if err != nil {
			return err
		}
		return printJSON(counters)
	},
}

func init() {
	pipelineCmd.AddCommand(pipelineTriggerCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
	pipelineCmd.AddCommand(pipelineMetricsCmd)
}
