package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/ktime/internal/api"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/identity"
	"github.com/spf13/cobra"
)

var (
	tokenUser        string
	tokenName        string
	tokenEmail       string
	tokenRoles       []string
	tokenPermissions []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local testing",
	Long: `Sign a token with the configured JWT secret. Production tokens come from
the authentication service; this is for development and smoke tests.`,
	Example: `  ktime token --user u1
  ktime -c config.yaml token --user m1 --permission time_tracking:manage`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email address")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "Role, repeatable")
	tokenCmd.Flags().StringSliceVar(&tokenPermissions, "permission", nil, "Permission, repeatable")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	ttl := parseDuration(cfg.Auth.TokenTTL, api.DefaultTokenTTL)
	tokens := api.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl, clock.RealClock{})

	token, err := tokens.Issue(identity.Subject{
		ID:          tokenUser,
		Username:    tokenUser,
		Name:        tokenName,
		Email:       tokenEmail,
		Roles:       tokenRoles,
		Permissions: tokenPermissions,
	})
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen).Fprintf(os.Stderr, "Token for %s valid for %s\n", tokenUser, ttl)
	fmt.Fprintln(os.Stdout, token)
	return nil
}
