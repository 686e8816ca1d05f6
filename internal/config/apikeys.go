package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tollgatehq/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// apiKeyRow adds the JSON-encoded scope column that model.APIKey keeps as a
// slice.
type apiKeyRow struct {
	model.APIKey
	ScopesJSON string `db:"scopes_json"`
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	k := r.APIKey
	if err := json.Unmarshal([]byte(r.ScopesJSON), &k.Scopes); err != nil {
		return model.APIKey{}, fmt.Errorf("decode scopes for api key %d: %w", k.ID, err)
	}
	if k.Scopes == nil {
		k.Scopes = []string{}
	}
	return k, nil
}

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashAPIKey). The ID and CreatedAt fields are populated after insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()
	if key.Scopes == nil {
		key.Scopes = []string{}
	}
	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	row := apiKeyRow{APIKey: *key, ScopesJSON: string(scopesJSON)}

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, organization_id, created_by, label, scopes_json, expires_at, created_at)
		VALUES
		(:key_hash, :key_prefix, :organization_id, :created_by, :label, :scopes_json, :expires_at, :created_at)`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return wrapConflict(err, "insert api key")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get api key id: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "SELECT * FROM api_keys WHERE key_hash = ?", hash)
}

// GetAPIKey looks up an API key of an organization by ID.
func (s *Store) GetAPIKey(ctx context.Context, orgID, id int64) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "SELECT * FROM api_keys WHERE id = ? AND organization_id = ?", id, orgID)
}

func (s *Store) getAPIKey(ctx context.Context, q string, args ...interface{}) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListAPIKeys returns the API keys of an organization, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, orgID int64) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM api_keys WHERE organization_id = ? ORDER BY id DESC", orgID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// RevokeAPIKey revokes an organization's API key. Revocation is terminal:
// the revoked_at timestamp is written once and never cleared, and revoking
// again is a no-op.
func (s *Store) RevokeAPIKey(ctx context.Context, orgID, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND organization_id = ? AND revoked_at IS NULL",
		time.Now().UTC(), id, orgID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if err := checkAffected(result, "revoke api key"); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, gerr := s.GetAPIKey(ctx, orgID, id); gerr != nil {
			return gerr
		}
	}
	return nil
}

// RevokeAPIKeyByPrefix revokes a live API key by its display prefix.
func (s *Store) RevokeAPIKeyByPrefix(ctx context.Context, prefix string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE key_prefix = ? AND revoked_at IS NULL",
		time.Now().UTC(), prefix)
	if err != nil {
		return fmt.Errorf("revoke api key by prefix: %w", err)
	}
	return checkAffected(result, "revoke api key by prefix")
}
