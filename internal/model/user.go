package model

import "time"

// Organization is a tenant. Scopes of the form organization-<id>:<action>
// refer to it.
type Organization struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// User is a human account that authenticates with a password and,
// optionally, a TOTP second factor.
type User struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"` // bcrypt hash, never expose
	Name         string     `json:"name" db:"name"`
	TOTPSecret   string     `json:"-" db:"totp_secret"`
	TOTPLastStep int64      `json:"-" db:"totp_last_step"` // last accepted TOTP time step
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// TwoFactorEnabled reports whether the user has enrolled a TOTP secret.
func (u *User) TwoFactorEnabled() bool {
	return u.TOTPSecret != ""
}

// Membership roles.
const (
	RoleOwner  = "OWNER"
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// Membership binds a user to an organization with a role. Session scopes are
// derived from a user's memberships.
type Membership struct {
	ID             int64     `json:"id" db:"id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	Role           string    `json:"role" db:"role"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ValidRole reports whether role is one of the known membership roles.
func ValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}
