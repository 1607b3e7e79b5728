package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ligustah/cdsdl/internal/config"
	"github.com/ligustah/cdsdl/internal/token"
)

func newTokenCmd(a *app) *cobra.Command {
	var login, group string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for an account",
		Long: `Print a bearer token, reusing a valid token lease when one exists.
The lease is kept so that downloads may reuse the token until it expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := a.logger()

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			accts, err := accounts(cfg, group, login)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tokens, err := newTokenManager(cfg, store, newClient(cfg), accts, log)
			if err != nil {
				return err
			}
			tok, err := tokens.Acquire(ctx, group, login)
			if err != nil {
				var ce *token.ConfigError
				var ae *token.AuthError
				switch {
				case errors.As(err, &ce):
					return &exitError{code: ExitConfigError, err: err}
				case errors.As(err, &ae):
					return &exitError{code: ExitAuthError, err: err}
				default:
					return &exitError{code: ExitStoreError, err: err}
				}
			}

			log.Info().
				Str("login", tok.Login).
				Time("issued_at", tok.IssuedAt).
				Time("expires_at", tok.IssuedAt.Add(tok.Validity)).
				Msg("token ready")
			fmt.Fprintln(a.stdout, tok.Value)
			return nil
		},
	}

	cmd.Flags().StringVar(&login, "login", "", "Account to obtain the token for (default: any account of the group)")
	cmd.Flags().StringVar(&group, "account-group", config.DefaultGroup, "Account group")
	return cmd
}
