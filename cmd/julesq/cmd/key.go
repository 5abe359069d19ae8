package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

func (c *cli) keyCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage a user's stored Jules API key",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user the key belongs to")
	_ = cmd.MarkPersistentFlagRequired("user")

	set := &cobra.Command{
		Use:   "set [key]",
		Short: "Encrypt and store a key, read from stdin when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading key from stdin: %w", err)
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("API key is required")
			}

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			encrypted, err := a.vault.Encrypt(key, userID)
			if err != nil {
				return err
			}
			if _, err := a.db.SaveJulesKey(cmd.Context(), userID, encrypted); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render("✓ Jules API key saved for "+userID))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether a key is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.db.GetJulesKey(cmd.Context(), userID)
			if errors.Is(err, db.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), statusPending.Render("No Jules API key stored for "+userID))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusOK.Render("Key stored")+" "+
				labelStyle.Render("since "+rec.StoredAt.Format("2006-01-02 15:04 MST")))
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the stored key against the Jules API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.db.GetJulesKey(cmd.Context(), userID)
			if errors.Is(err, db.ErrNotFound) {
				return errors.New("no Jules API key stored, run `julesq key set` first")
			}
			if err != nil {
				return err
			}
			apiKey, err := a.vault.Decrypt(rec.Key, userID)
			if err != nil {
				return err
			}
			status, err := a.jules.ValidateKey(cmd.Context(), apiKey)
			if err != nil {
				return err
			}
			if !status.OK {
				return fmt.Errorf("jules rejected the key (HTTP %d)", status.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render("✓ Key accepted by Jules"))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.DeleteJulesKey(cmd.Context(), userID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render("✓ Key deleted"))
			return nil
		},
	}

	cmd.AddCommand(set, status, validate, del)
	return cmd
}
