package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/config"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		userID string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadAuth(*configPath)
			if err != nil {
				return err
			}
			token, err := manager.Issue(auth.Principal{UserID: userID, Role: role}, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token identifies")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "user or admin")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPushTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push-token",
		Short: "Print the Gmail push endpoint token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			manager, err := newAuth(cfg)
			if err != nil {
				return err
			}
			token := manager.PushToken()
			if cfg.PublicURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/v1/webhooks/gmail?token=%s\n", cfg.PublicURL, token)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func loadAuth(configPath string) (*auth.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newAuth(cfg)
}

// newAuth refuses a generated secret, since the server would not accept
// tokens signed with it.
func newAuth(cfg config.Config) (*auth.Manager, error) {
	if cfg.AuthSecret == "" {
		return nil, errors.New("MAILSYNC_AUTH_SECRET must be set to issue tokens")
	}
	return auth.New(cfg.AuthSecret, sessionMaxAge)
}
