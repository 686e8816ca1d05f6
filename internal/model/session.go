package model

import "time"

// Session is the server-side record behind a session token. The token's
// "sid" claim carries the session ID.
type Session struct {
	ID                  string     `json:"id" db:"id"`
	UserID              int64      `json:"user_id" db:"user_id"`
	OrganizationID      int64      `json:"organization_id" db:"organization_id"`
	IPAddress           string     `json:"ip_address" db:"ip_address"`
	UserAgent           string     `json:"user_agent" db:"user_agent"`
	TwoFactorVerifiedAt *time.Time `json:"two_factor_verified_at,omitempty" db:"two_factor_verified_at"`
	ExpiresAt           time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// IsRevoked reports whether the session was explicitly ended.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// IsExpired reports whether the session lifetime ended at or before now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
