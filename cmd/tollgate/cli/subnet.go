package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/policy"
	"github.com/tollgatehq/tollgate/internal/service"
)

func newSubnetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subnet",
		Short: "Manage organization subnet rules",
		Long: `Add, list and remove the CIDR rules that restrict where an organization's
principals may connect from. The longest matching prefix decides; a deny wins
over an allow of the same length. Once any allow rule exists, addresses that
match no rule are denied.`,
	}

	cmd.AddCommand(newSubnetAddCmd())
	cmd.AddCommand(newSubnetListCmd())
	cmd.AddCommand(newSubnetRemoveCmd())

	return cmd
}

// ---------- subnet add ----------

func newSubnetAddCmd() *cobra.Command {
	var (
		orgID int64
		sense string
	)

	cmd := &cobra.Command{
		Use:   "add <cidr>",
		Short: "Add a subnet rule",
		Example: `  tollgate subnet add --org 1 10.0.0.0/8
  tollgate subnet add --org 1 --sense deny 10.66.0.0/16`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sense = strings.ToLower(sense)
			if sense != model.SenseAllow && sense != model.SenseDeny {
				return fmt.Errorf("sense must be allow or deny, got %q", sense)
			}
			prefix, err := policy.ParsePrefix(args[0])
			if err != nil {
				return err
			}

			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.GetOrganization(ctx, orgID); err != nil {
				return fmt.Errorf("find organization %d: %w", orgID, err)
			}
			rule := &model.SubnetRule{OrganizationID: orgID, CIDR: prefix.String(), Sense: sense}
			if err := store.CreateSubnetRule(ctx, rule); err != nil {
				return fmt.Errorf("add subnet rule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added rule %d: %s %s\n", rule.ID, rule.Sense, rule.CIDR)
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id (required)")
	cmd.Flags().StringVar(&sense, "sense", model.SenseAllow, "allow or deny")
	cmd.MarkFlagRequired("org")

	return cmd
}

// ---------- subnet list ----------

func newSubnetListCmd() *cobra.Command {
	var (
		orgID      int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an organization's subnet rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rules, err := store.ListSubnetRules(context.Background(), orgID)
			if err != nil {
				return fmt.Errorf("list subnet rules: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if rules == nil {
					rules = []model.SubnetRule{}
				}
				return printJSON(out, rules)
			}
			if len(rules) == 0 {
				fmt.Fprintln(out, "No subnet rules: every address is allowed.")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-6s %s\n", "ID", "SENSE", "CIDR")
			fmt.Fprintf(out, "%-6s %-6s %s\n", "--", "-----", "----")
			for _, r := range rules {
				fmt.Fprintf(out, "%-6d %-6s %s\n", r.ID, r.Sense, r.CIDR)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("org")

	return cmd
}

// ---------- subnet remove ----------

func newSubnetRemoveCmd() *cobra.Command {
	var orgID int64

	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a subnet rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := service.ParseID(args[0])
			if err != nil {
				return err
			}
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSubnetRule(context.Background(), orgID, id); err != nil {
				return fmt.Errorf("remove subnet rule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed rule %d\n", id)
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id (required)")
	cmd.MarkFlagRequired("org")

	return cmd
}
