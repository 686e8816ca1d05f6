package model

import "time"

// APIKey is a long-lived credential owned by an organization. The raw key is
// never stored; only a SHA-256 hash and a short prefix for identification are
// persisted. The scope set is frozen at creation time and revocation is
// terminal.
type APIKey struct {
	ID             int64      `json:"id" db:"id"`
	KeyHash        string     `json:"-" db:"key_hash"`            // SHA-256 hash, never expose
	KeyPrefix      string     `json:"key_prefix" db:"key_prefix"` // First chars for identification
	OrganizationID int64      `json:"organization_id" db:"organization_id"`
	CreatedBy      *int64     `json:"created_by,omitempty" db:"created_by"`
	Label          string     `json:"label" db:"label"`
	Scopes         []string   `json:"scopes" db:"-"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsRevoked reports whether the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key's expiry lies at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
