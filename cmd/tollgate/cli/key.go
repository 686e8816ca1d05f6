package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke organization API keys. A key carries a fixed scope set and is revoked permanently.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		orgID   int64
		label   string
		scopes  []string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for an organization. The raw key is shown once and cannot be retrieved again.",
		Example: `  tollgate key create --org 1 --scope organization:read-info --label "CI pipeline"
  tollgate key create --org 1 --scope 'organization:*' --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.GetOrganization(ctx, orgID); err != nil {
				return fmt.Errorf("find organization %d: %w", orgID, err)
			}
			in := service.CreateKeyInput{OrganizationID: orgID, Label: label, Scopes: scopes}
			if expires > 0 {
				at := time.Now().Add(expires).UTC()
				in.ExpiresAt = &at
			}
			key, raw, err := service.NewKeyService(store).Create(ctx, operator(), in)
			if err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API Key created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key:    %s\n", raw)
			fmt.Fprintf(out, "  ID:     %d\n", key.ID)
			fmt.Fprintf(out, "  Scopes: %s\n", strings.Join(key.Scopes, " "))
			if label != "" {
				fmt.Fprintf(out, "  Label:  %s\n", label)
			}
			if key.ExpiresAt != nil {
				fmt.Fprintf(out, "  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id (required)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Scope granted to the key (repeatable, required)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Expire the key after this duration (default never)")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("scope")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		orgID      int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an organization's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.ListAPIKeys(context.Background(), orgID)
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if keys == nil {
					keys = []model.APIKey{}
				}
				return printJSON(out, keys)
			}
			if len(keys) == 0 {
				fmt.Fprintln(out, "No API keys. Use 'tollgate key create' to create one.")
				return nil
			}

			fmt.Fprintf(out, "%-6s %-16s %-24s %-8s %s\n", "ID", "PREFIX", "LABEL", "STATE", "SCOPES")
			fmt.Fprintf(out, "%-6s %-16s %-24s %-8s %s\n", "--", "------", "-----", "-----", "------")
			now := time.Now()
			for _, k := range keys {
				fmt.Fprintf(out, "%-6d %-16s %-24s %-8s %s\n", k.ID, k.KeyPrefix, k.Label, keyState(k, now), strings.Join(k.Scopes, " "))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("org")

	return cmd
}

func keyState(k model.APIKey, now time.Time) string {
	switch {
	case k.RevokedAt != nil:
		return "revoked"
	case k.ExpiresAt != nil && !now.Before(*k.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var orgID int64

	cmd := &cobra.Command{
		Use:   "revoke <prefix|id>",
		Short: "Revoke an API key by its prefix, or by id with --org",
		Long:  "Permanently disable an API key. Requests using it are rejected immediately.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if orgID != 0 {
				id, err := service.ParseID(args[0])
				if err != nil {
					return err
				}
				if err := service.NewKeyService(store).Revoke(ctx, orgID, id); err != nil {
					return fmt.Errorf("revoke api key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %d\n", id)
				return nil
			}
			if err := store.RevokeAPIKeyByPrefix(ctx, args[0]); err != nil {
				return fmt.Errorf("revoke api key %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key with prefix %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id; treat the argument as a key id")

	return cmd
}
