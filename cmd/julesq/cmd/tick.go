package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func (c *cli) tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Activate every due queue item once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.scheduler.Tick(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(result)
			}

			failed := statusPending
			if result.Failed > 0 {
				failed = statusFail
			}
			fmt.Fprintln(out, lipgloss.JoinHorizontal(lipgloss.Top,
				titleStyle.Render("tick "),
				labelStyle.Render(fmt.Sprintf("due %d  ", result.Due)),
				statusOK.Render(fmt.Sprintf("activated %d  ", result.Activated)),
				statusRunning.Render(fmt.Sprintf("retried %d  ", result.Retried)),
				failed.Render(fmt.Sprintf("failed %d  ", result.Failed)),
				labelStyle.Render(fmt.Sprintf("skipped %d", result.Skipped)),
			))
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the result as JSON")
	return cmd
}
