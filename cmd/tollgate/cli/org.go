package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollgatehq/tollgate/internal/model"
)

func newOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "org",
		Aliases: []string{"organization"},
		Short:   "Manage organizations",
		Long:    "Create and list organizations. Each organization is a tenant with its own members, API keys, subnet rules and audit trail.",
	}

	cmd.AddCommand(newOrgCreateCmd())
	cmd.AddCommand(newOrgListCmd())

	return cmd
}

// ---------- org create ----------

func newOrgCreateCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create an organization",
		Example: `  tollgate org create --name Acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			org := &model.Organization{Name: name}
			if err := store.CreateOrganization(context.Background(), org); err != nil {
				return fmt.Errorf("create organization: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created organization %q (id %d)\n", org.Name, org.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Organization name (required)")
	cmd.MarkFlagRequired("name")

	return cmd
}

// ---------- org list ----------

func newOrgListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			orgs, err := store.ListOrganizations(context.Background())
			if err != nil {
				return fmt.Errorf("list organizations: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if orgs == nil {
					orgs = []model.Organization{}
				}
				return printJSON(out, orgs)
			}
			if len(orgs) == 0 {
				fmt.Fprintln(out, "No organizations. Use 'tollgate org create' to create one.")
				return nil
			}
			fmt.Fprintf(out, "%-8s %-32s %-20s\n", "ID", "NAME", "CREATED")
			fmt.Fprintf(out, "%-8s %-32s %-20s\n", "--", "----", "-------")
			for _, o := range orgs {
				fmt.Fprintf(out, "%-8d %-32s %-20s\n", o.ID, o.Name, o.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
