package cli

import (
	"fmt"
	"time"

	"quizchain-service/internal/config"
	transport "quizchain-service/internal/transport/http"

	"github.com/spf13/cobra"
)

// NewTokenCmd prints a signed identity token for an address.
func NewTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token <address>",
		Short: "Issue an identity token for a wallet address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			auth := transport.NewAuthenticator(cfg.Auth.Secret, config.TTLDuration(cfg.Auth.TokenTTL, 24*time.Hour))
			token, err := auth.IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
