package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gennotes/internal/auth"
	"gennotes/internal/config"
	"gennotes/pkg/domain"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject    string
		username   string
		ttl        time.Duration
		unverified bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			v := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.RequiredScope)
			token, err := v.Issue(domain.User{ID: subject, Username: username}, []string{cfg.Auth.RequiredScope}, !unverified, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (user id)")
	cmd.Flags().StringVar(&username, "username", "", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&unverified, "unverified", false, "mark the email as unverified")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
