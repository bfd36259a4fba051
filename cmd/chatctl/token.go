package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chat_broker/internal/auth"
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("secret", envOr("AUTH_HS256_SECRET", "dev-secret"), "HS256 signing secret")
	tokenCmd.Flags().String("issuer", envOr("AUTH_ISSUER", "chat-broker"), "token issuer")
	tokenCmd.Flags().String("name", "", "display name (defaults to the principal id)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token [principal-id]",
	Short: "Mint a development token for a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		issuer, _ := cmd.Flags().GetString("issuer")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if name == "" {
			name = args[0]
		}

		signed, expires, err := auth.New(secret, issuer).Issue(args[0], name, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
		return nil
	},
}
