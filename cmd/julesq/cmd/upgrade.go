package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ole-vi/prompt-sharing-sub002/internal/upgrade"
)

func (c *cli) upgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade julesq to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to get executable path: %w", err)
			}
			tag, err := upgrade.New(c.log).Upgrade(cmd.Context(), execPath)
			if err != nil {
				return err
			}
			if tag == "" {
				fmt.Fprintln(cmd.OutOrStdout(), labelStyle.Render("Already up to date"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render("✓ Upgraded to "+tag))
			return nil
		},
	}
}
