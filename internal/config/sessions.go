package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tollgatehq/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession inserts a session. A UUIDv7 ID is assigned when empty.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate session id: %w", err)
		}
		sess.ID = id.String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO sessions
		(id, user_id, organization_id, ip_address, user_agent, two_factor_verified_at, expires_at, created_at)
		VALUES
		(:id, :user_id, :organization_id, :ip_address, :user_agent, :two_factor_verified_at, :expires_at, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, sess); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, including revoked and expired ones;
// callers decide what those states mean.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	if err := s.db.GetContext(ctx, &sess, "SELECT * FROM sessions WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]model.Session, error) {
	var out []model.Session
	if err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM sessions WHERE user_id = ? ORDER BY created_at DESC", userID); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// RevokeSession ends a session belonging to userID. Revoking an already
// revoked session keeps the original revocation time.
func (s *Store) RevokeSession(ctx context.Context, userID int64, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL",
		time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if err := checkAffected(result, "revoke session"); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		sess, gerr := s.GetSession(ctx, id)
		if gerr != nil || sess.UserID != userID {
			return ErrNotFound
		}
	}
	return nil
}

// MarkSessionTwoFactorVerified records a successful second-factor check.
func (s *Store) MarkSessionTwoFactorVerified(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET two_factor_verified_at = ? WHERE id = ? AND revoked_at IS NULL",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark session verified: %w", err)
	}
	return checkAffected(result, "mark session verified")
}
