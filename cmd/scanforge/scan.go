package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scanforge/scanforge/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Submit scans",
}

var scanSubmitCmd = &cobra.Command{
	Use:   "submit TARGET",
	Short: "Submit a scan of a target",
	Long: `Submit a scan of a target URL, host, IP, CIDR block, or IP range.

By default the scanner's full template corpus runs. --template-dir
restricts the scan to template directories inside the scanner image,
--template-file uploads a local template and scans with just it, and
--ai scans with the generated template library.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		dirs, _ := cmd.Flags().GetStringSlice("template-dir")
		file, _ := cmd.Flags().GetString("template-file")
		ai, _ := cmd.Flags().GetBool("ai")

		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		var job *types.Job
		switch {
		case ai:
			job, err = m.SubmitAIScan(cmd.Context(), target)
		case file != "":
			body, rerr := os.ReadFile(file)
			if rerr != nil {
				return fmt.Errorf("failed to read template: %v", rerr)
			}
			job, err = m.SubmitCustomScan(cmd.Context(), target, string(body))
		default:
			job, err = m.SubmitScan(cmd.Context(), target, types.TemplateSelector{Dirs: dirs})
		}
		if err != nil {
			return err
		}

		fmt.Printf("✓ Scan submitted\n")
		fmt.Printf("  Job ID: %s\n", job.ID)
		fmt.Printf("  Kind:   %s\n", job.Kind)
		fmt.Printf("  Target: %s\n", target)
		return nil
	},
}

var scanLogsCmd = &cobra.Command{
	Use:   "logs JOB_ID",
	Short: "Stream a scan's log output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetInt64("offset")

		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		stream, err := m.StreamScanLog(cmd.Context(), args[0], offset)
		if err != nil {
			return err
		}
		for chunk := range stream {
			os.Stdout.Write(chunk.Data)
		}
		return nil
	},
}

func init() {
	scanCmd.AddCommand(scanSubmitCmd)
	scanCmd.AddCommand(scanLogsCmd)

	scanSubmitCmd.Flags().StringSlice("template-dir", nil, "Template directories inside the scanner image")
	scanSubmitCmd.Flags().String("template-file", "", "Local template file to upload and scan with")
	scanSubmitCmd.Flags().Bool("ai", false, "Scan with the generated template library")

	scanLogsCmd.Flags().Int64("offset", 0, "Log offset to resume from")
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel jobs",
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show a job with its findings and children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		detail, err := m.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(detail)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if err := m.CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Cancellation requested")
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
}
