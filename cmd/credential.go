package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailzip-to-csv/credential"
)

var (
	storeSecret  = credential.Set
	deleteSecret = credential.Delete
)

// NewCredentialCommand manages the IMAP password kept in the OS keyring.
func NewCredentialCommand() *cobra.Command {
	var user, host string

	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Store or remove the IMAP password in the OS keyring",
	}
	cmd.PersistentFlags().StringVar(&user, "imap-user", "", "IMAP username")
	cmd.PersistentFlags().StringVar(&host, "imap-host", "", "IMAP server hostname")

	account := func() (string, error) {
		if user == "" || host == "" {
			return "", errors.New("--imap-user and --imap-host are required")
		}
		return credential.Key(user, host), nil
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Read a password from stdin and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := account()
			if err != nil {
				return err
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password from stdin: %w", err)
			}
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				return errors.New("password is empty")
			}

			if err := storeSecret(key, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s\n", key)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := account()
			if err != nil {
				return err
			}
			if err := deleteSecret(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed password for %s\n", key)
			return nil
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}
