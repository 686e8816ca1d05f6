package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/service"
)

// readPassword reads a password without echo. Replaced in tests.
var readPassword = func() (string, error) {
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	return string(b), err
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and memberships",
		Long:  "Create users who log in with a password, and grant them a role in an organization.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserAddMemberCmd())

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
		orgID    int64
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Example: `  tollgate user create --email owner@example.com --org 1 --role owner
  tollgate user create --email dev@example.com  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(cmd, email, password, name, orgID, role)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().Int64Var(&orgID, "org", 0, "Also add the user to this organization")
	cmd.Flags().StringVar(&role, "role", model.RoleMember, "Role in --org: owner, admin or member")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runUserCreate(cmd *cobra.Command, email, password, name string, orgID int64, role string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}
	role = strings.ToUpper(role)
	if orgID != 0 && !model.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	if password == "" {
		out := cmd.ErrOrStderr()
		fmt.Fprint(out, "Password: ")
		pw, err := readPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, "Confirm password: ")
		confirm, err := readPassword()
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(out)
		if pw != confirm {
			return fmt.Errorf("passwords do not match")
		}
		password = pw
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := service.HashPassword(password)
	if err != nil {
		return err
	}

	store, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	user := &model.User{Email: email, PasswordHash: hash, Name: name, IsActive: true}
	if err := store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created user %q (id %d)\n", email, user.ID)

	if orgID != 0 {
		m := &model.Membership{UserID: user.ID, OrganizationID: orgID, Role: role}
		if err := store.AddMembership(ctx, m); err != nil {
			return fmt.Errorf("add membership: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added to organization %d as %s\n", orgID, role)
	}
	return nil
}

// ---------- user add-member ----------

func newUserAddMemberCmd() *cobra.Command {
	var (
		email string
		orgID int64
		role  string
	)

	cmd := &cobra.Command{
		Use:     "add-member",
		Short:   "Grant an existing user a role in an organization",
		Example: `  tollgate user add-member --email dev@example.com --org 1 --role admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			role = strings.ToUpper(role)
			if !model.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			user, err := store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
			if err != nil {
				return fmt.Errorf("find user %q: %w", email, err)
			}
			if _, err := store.GetOrganization(ctx, orgID); err != nil {
				return fmt.Errorf("find organization %d: %w", orgID, err)
			}
			m := &model.Membership{UserID: user.ID, OrganizationID: orgID, Role: role}
			if err := store.AddMembership(ctx, m); err != nil {
				return fmt.Errorf("add membership: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to organization %d as %s\n", user.Email, orgID, role)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "User email (required)")
	cmd.Flags().Int64Var(&orgID, "org", 0, "Organization id (required)")
	cmd.Flags().StringVar(&role, "role", model.RoleMember, "Role: owner, admin or member")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("org")

	return cmd
}
