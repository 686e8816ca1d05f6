package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tollgatehq/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// Organizations
// ---------------------------------------------------------------------------

// CreateOrganization inserts a new organization. ID and CreatedAt are
// populated after a successful insert.
func (s *Store) CreateOrganization(ctx context.Context, org *model.Organization) error {
	org.CreatedAt = time.Now().UTC()
	result, err := s.db.NamedExecContext(ctx,
		`INSERT INTO organizations (name, created_at) VALUES (:name, :created_at)`, org)
	if err != nil {
		return wrapConflict(err, "insert organization")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get organization id: %w", err)
	}
	org.ID = id
	return nil
}

// GetOrganization returns an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id int64) (*model.Organization, error) {
	var org model.Organization
	if err := s.db.GetContext(ctx, &org, "SELECT * FROM organizations WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	var orgs []model.Organization
	if err := s.db.SelectContext(ctx, &orgs, "SELECT * FROM organizations ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return orgs, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser inserts a new user. The password must already be hashed.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	const q = `INSERT INTO users
		(email, password_hash, name, totp_secret, is_active, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :totp_secret, :is_active, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, user)
	if err != nil {
		return wrapConflict(err, "insert user")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE email = ?", email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

// SetUserTOTPSecret stores (or clears, with "") a user's TOTP secret and
// forgets the last accepted step of the previous one.
func (s *Store) SetUserTOTPSecret(ctx context.Context, userID int64, secret string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET totp_secret = ?, totp_last_step = 0, updated_at = ? WHERE id = ?",
		secret, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set totp secret: %w", err)
	}
	return checkAffected(result, "set totp secret")
}

// ConsumeTOTPStep records step as the user's last accepted TOTP time step.
// It reports false, changing nothing, when a step at or after it was already
// accepted. The compare and update are one statement, so two requests racing
// with the same code cannot both succeed.
func (s *Store) ConsumeTOTPStep(ctx context.Context, userID, step int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET totp_last_step = ? WHERE id = ? AND totp_last_step < ?",
		step, userID, step)
	if err != nil {
		return false, fmt.Errorf("consume totp step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume totp step: %w", err)
	}
	return n == 1, nil
}

// UpdateUserLastLogin stamps last_login_at for a user.
func (s *Store) UpdateUserLastLogin(ctx context.Context, userID int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?", at.UTC(), at.UTC(), userID)
	if err != nil {
		return fmt.Errorf("update user last login: %w", err)
	}
	return checkAffected(result, "update user last login")
}

// ---------------------------------------------------------------------------
// Memberships
// ---------------------------------------------------------------------------

// AddMembership adds a user to an organization, or changes the role of an
// existing membership.
func (s *Store) AddMembership(ctx context.Context, m *model.Membership) error {
	if !model.ValidRole(m.Role) {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	m.CreatedAt = time.Now().UTC()
	const q = `INSERT INTO memberships (user_id, organization_id, role, created_at)
		VALUES (:user_id, :organization_id, :role, :created_at)
		ON CONFLICT(user_id, organization_id) DO UPDATE SET role = excluded.role`
	if _, err := s.db.NamedExecContext(ctx, q, m); err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return s.db.GetContext(ctx, &m.ID,
		"SELECT id FROM memberships WHERE user_id = ? AND organization_id = ?", m.UserID, m.OrganizationID)
}

// ListMemberships returns the memberships of a user, oldest first.
func (s *Store) ListMemberships(ctx context.Context, userID int64) ([]model.Membership, error) {
	var ms []model.Membership
	if err := s.db.SelectContext(ctx, &ms,
		"SELECT * FROM memberships WHERE user_id = ? ORDER BY id", userID); err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return ms, nil
}

// ListOrganizationMembers returns the memberships of an organization.
func (s *Store) ListOrganizationMembers(ctx context.Context, orgID int64) ([]model.Membership, error) {
	var ms []model.Membership
	if err := s.db.SelectContext(ctx, &ms,
		"SELECT * FROM memberships WHERE organization_id = ? ORDER BY id", orgID); err != nil {
		return nil, fmt.Errorf("list organization members: %w", err)
	}
	return ms, nil
}

func wrapConflict(err error, what string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}
