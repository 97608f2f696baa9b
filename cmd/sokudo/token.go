package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/00quasr/sokudo-sub009/internal/config"
	"github.com/00quasr/sokudo-sub009/internal/identity"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

var (
	flagTokenName string
	flagTokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue an access token",
	Long: `Sign an access token for a user with the configured auth secret.

Examples:
  sokudo token alice
  sokudo token alice --name "Alice L." --ttl 2h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenName, "name", "", "Display name (default: the user id)")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 0, "Token lifetime (default: auth.token_ttl)")
}

func runToken(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Mode != config.AuthJWT {
		return fmt.Errorf("auth mode is %q, tokens are only used in %q mode", cfg.Auth.Mode, config.AuthJWT)
	}

	provider, err := identity.NewJWTProvider(identity.JWTConfig{Secret: []byte(cfg.Auth.Secret), Issuer: cfg.Auth.Issuer})
	if err != nil {
		return fmt.Errorf("%w (set auth.secret or SOKUDO_AUTH__SECRET)", err)
	}

	ttl := cfg.Auth.TokenTTL
	if flagTokenTTL > 0 {
		ttl = flagTokenTTL
	}
	name := flagTokenName
	if name == "" {
		name = args[0]
	}

	tok, err := provider.Issue(race.UserID(args[0]), name, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
