package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/transport"
)

var (
	tokenTTL   time.Duration
	tokenRoles []string
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Sign a bearer token for a user with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		secret := cfg.Identity.Secret()
		if secret == "" {
			return errors.New(cfg.Identity.SecretEnv + " is not set")
		}
		token, err := transport.IssueToken(cfg.Identity, []byte(secret), args[0], tokenRoles, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role claim, repeatable")
}
