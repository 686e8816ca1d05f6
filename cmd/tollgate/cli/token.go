package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgatehq/tollgate/internal/scope"
	"github.com/tollgatehq/tollgate/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue service tokens",
		Long:  "Issue signed bearer tokens for internal services. Service tokens carry their scopes in the token and are exempt from second-factor checks.",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		name   string
		scopes []string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Issue a service token",
		Example: `  tollgate token issue --name billing --scope 'organization-*:read-info' --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := scope.Validate(scopes); err != nil {
				return err
			}
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			secret, err := resolveJWTSecret(context.Background(), store, cfg)
			if err != nil {
				return err
			}
			token, err := service.NewAuthService(store, secret).IssueServiceToken(name, scopes, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Service name (required)")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Scope granted to the token (repeatable, required)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("scope")

	return cmd
}
