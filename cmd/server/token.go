package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go-relay/internal/auth"
	"go-relay/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		name     string
		username string
		session  bool
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a broker token, or a session token for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var token string
			if session {
				if ttl <= 0 {
					ttl = 24 * time.Hour
				}
				token, err = auth.NewSessions(cfg.SessionSecret).Sign(auth.Identity{
					ID: userID, Name: name, Username: username,
				}, ttl)
			} else {
				if ttl <= 0 {
					ttl = cfg.TokenTTL
				}
				token, err = auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL).IssueWithTTL(userID, ttl)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (session tokens only)")
	cmd.Flags().StringVar(&username, "username", "", "Username (session tokens only)")
	cmd.Flags().BoolVar(&session, "session", false, "Mint a session token instead of a broker token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default TOKEN_TTL, or 24h for sessions)")
	return cmd
}
