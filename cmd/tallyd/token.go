package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/auth"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := account.Key(args[0])
			if userID == "" {
				return errors.New("user id must not be empty")
			}

			_, snap, _, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			raw := snap.Raw()
			tokens, err := auth.NewTokens(raw.Auth.Secret, raw.Auth.TokenTTL)
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}

			token, err := tokens.Issue(userID)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
