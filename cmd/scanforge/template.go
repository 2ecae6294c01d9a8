package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage the template library",
}

var templateUploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a template to the library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read template: %v", err)
		}

		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		tpl, err := m.UploadTemplate(cmd.Context(), string(body))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Template stored\n")
		fmt.Printf("  ID:   %s\n", tpl.ID)
		fmt.Printf("  File: %s\n", tpl.Filename)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates in the library",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cleanup, err := newClientManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		templates, err := m.ListTemplates(cmd.Context())
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			fmt.Println("No templates in the library.")
			return nil
		}
		for _, tpl := range templates {
			fmt.Printf("%-40s %-14s %-20s %s\n", tpl.ID, tpl.Origin, tpl.ValidationState, tpl.Filename)
		}
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateUploadCmd)
	templateCmd.AddCommand(templateListCmd)
}
