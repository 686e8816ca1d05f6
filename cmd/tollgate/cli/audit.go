package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgatehq/tollgate/internal/audit"
	"github.com/tollgatehq/tollgate/internal/model"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditTailCmd())
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	var (
		orgID      int64
		actor      string
		outcome    string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		Example: `  tollgate audit tail --org 1
  tollgate audit tail --org 1 --outcome denied --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch model.Outcome(outcome) {
			case "", model.OutcomeAllowed, model.OutcomeDenied, model.OutcomeError:
			default:
				return fmt.Errorf("outcome must be allowed, denied or error")
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

			ctx := context.Background()
			sink, err := newAuditSink(ctx, cfg.Audit, store)
			if err != nil {
				return err
			}
			if cfg.Audit.DSN != "" {
				defer sink.Close()
			}

			f := audit.Filter{
				ActorID:    actor,
				Outcome:    model.Outcome(outcome),
				Limit:      limit,
				Descending: true,
			}
			if orgID != 0 {
				f.TenantID = strconv.FormatInt(orgID, 10)
			}
			entries, err := sink.List(ctx, f)
			if err != nil {
				return fmt.Errorf("list audit entries: %w", err)
			}
			// Oldest first, like tail.
			for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
				entries[i], entries[j] = entries[j], entries[i]
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if entries == nil {
					entries = []model.AuditEntry{}
				}
				return printJSON(out, entries)
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s %-7s %3d %-24s %s %s", e.OccurredAt.Format(time.RFC3339), e.Outcome, e.Status, e.ActorID, e.Method, e.Path)
				if e.Reason != "" {
					line += " reason=" + e.Reason
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&orgID, "org", 0, "Only entries for this organization")
	cmd.Flags().StringVar(&actor, "actor", "", "Only entries for this actor id, e.g. user:3")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only allowed, denied or error entries")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
