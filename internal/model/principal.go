package model

import "time"

// PrincipalKind identifies how a principal was authenticated.
type PrincipalKind string

const (
	KindAnonymous PrincipalKind = "anonymous"
	KindSession   PrincipalKind = "session"
	KindAPIKey    PrincipalKind = "api-key"
	KindService   PrincipalKind = "service"
)

// Principal is the identity resolved for a single request. It is built from
// the request's credentials, lives only as long as the request, and is never
// persisted. Treat it as immutable once resolved.
type Principal struct {
	ID                  string
	Kind                PrincipalKind
	Scopes              []string
	TwoFactorVerifiedAt *time.Time
	TenantID            string

	// Trail fields. Only the one matching Kind is set.
	UserID    int64
	SessionID string
	APIKeyID  int64
}

// Anonymous returns the principal used when a request carries no credential.
func Anonymous() Principal {
	return Principal{ID: "anonymous", Kind: KindAnonymous}
}

// IsAnonymous reports whether the principal carries no identity.
func (p Principal) IsAnonymous() bool {
	return p.Kind == "" || p.Kind == KindAnonymous
}

// GrantedScopes returns a copy of the principal's scope set.
func (p Principal) GrantedScopes() []string {
	out := make([]string, len(p.Scopes))
	copy(out, p.Scopes)
	return out
}
