package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cloudrelay/internal/credstore"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an age identity for sealing stored keys",
	Long: `Generate an X25519 age identity for at-rest sealing of stored keys.

The identity is written to --out (mode 0600) or printed to stdout; the
matching recipient is printed to stderr. Point sealing.identity_ref at it,
e.g. "file:///etc/cloudrelay/identity.txt".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		identity, recipient, err := credstore.GenerateAgeIdentity()
		if err != nil {
			return err
		}
		if keygenOut == "" {
			fmt.Fprintln(cmd.OutOrStdout(), identity)
		} else if err := os.WriteFile(keygenOut, []byte(identity+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing identity: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "recipient: %s\n", recipient)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write the identity to this file instead of stdout")
}
