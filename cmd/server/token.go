package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/leave-engine/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for an existing user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		user, err := a.store.GetUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		ttl := a.cfg.Auth.TokenTTL
		if d, _ := cmd.Flags().GetDuration("ttl"); d > 0 {
			ttl = d
		}
		token, expires, err := api.NewAuthenticator(a.cfg.Auth.JWTSecret, ttl, a.store).GenerateToken(*user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default: auth.token_ttl)")
}
