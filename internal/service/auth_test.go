package service

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/scope"
)

const testSecret = "test-secret-key-for-jwt"

func newTestAuth(t *testing.T) (*AuthService, *config.Store) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewAuthService(store, testSecret), store
}

type fixture struct {
	org  *model.Organization
	user *model.User
}

func seed(t *testing.T, store *config.Store, role string) fixture {
	t.Helper()
	ctx := context.Background()
	org := &model.Organization{Name: "acme"}
	if err := store.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := &model.User{Email: "ada@example.com", PasswordHash: string(hash), Name: "Ada", IsActive: true}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if role != "" {
		if err := store.AddMembership(ctx, &model.Membership{UserID: user.ID, OrganizationID: org.ID, Role: role}); err != nil {
			t.Fatalf("AddMembership: %v", err)
		}
	}
	return fixture{org: org, user: user}
}

func newSession(t *testing.T, store *config.Store, f fixture, expires time.Time) *model.Session {
	t.Helper()
	sess := &model.Session{UserID: f.user.ID, OrganizationID: f.org.ID, ExpiresAt: expires}
	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestResolveAnonymous(t *testing.T) {
	auth, _ := newTestAuth(t)
	p, err := auth.Resolve(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.IsAnonymous() {
		t.Errorf("principal = %+v, want anonymous", p)
	}
}

func TestResolveSession(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, model.RoleAdmin)
	sess := newSession(t, store, f, time.Now().Add(time.Hour))

	token, err := auth.IssueSessionToken(sess)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	p, err := auth.Resolve(context.Background(), Credentials{BearerToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Kind != model.KindSession || p.UserID != f.user.ID || p.SessionID != sess.ID {
		t.Errorf("principal = %+v", p)
	}
	if p.TenantID != strconv.FormatInt(f.org.ID, 10) {
		t.Errorf("TenantID = %q", p.TenantID)
	}
	if p.TwoFactorVerifiedAt != nil {
		t.Error("unverified session should have no TwoFactorVerifiedAt")
	}
	org := "organization-" + p.TenantID
	if !scope.Satisfies(p.Scopes, org+":write-api-keys", p.TenantID) {
		t.Errorf("admin scopes %v should allow write-api-keys", p.Scopes)
	}
	if scope.Satisfies(p.Scopes, "organization-999:read-info", p.TenantID) {
		t.Error("admin of one org must not read another")
	}
	if !scope.Satisfies(p.Scopes, "user-"+strconv.FormatInt(f.user.ID, 10)+":enable-2fa", p.TenantID) {
		t.Error("user should control their own account")
	}
}

func TestResolveSessionStates(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, model.RoleMember)
	ctx := context.Background()

	live := newSession(t, store, f, time.Now().Add(time.Hour))
	token, _ := auth.IssueSessionToken(live)
	if err := store.RevokeSession(ctx, f.user.ID, live.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := auth.Resolve(ctx, Credentials{BearerToken: token}); !errors.Is(err, ErrRevokedCredential) {
		t.Errorf("revoked session err = %v, want ErrRevokedCredential", err)
	}

	old := newSession(t, store, f, time.Now().Add(-time.Minute))
	token, _ = auth.IssueSessionToken(old)
	if _, err := auth.Resolve(ctx, Credentials{BearerToken: token}); !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("expired session err = %v, want ErrExpiredCredential", err)
	}

	ghost := &model.Session{ID: "01900000-0000-7000-8000-000000000000", UserID: f.user.ID, ExpiresAt: time.Now().Add(time.Hour)}
	token, _ = auth.IssueSessionToken(ghost)
	if _, err := auth.Resolve(ctx, Credentials{BearerToken: token}); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("unknown session err = %v, want ErrInvalidCredential", err)
	}
}

func TestResolveSessionExpiresWithClock(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, model.RoleMember)
	sess := newSession(t, store, f, time.Now().Add(time.Hour))
	token, _ := auth.IssueSessionToken(sess)

	auth.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	if _, err := auth.Resolve(context.Background(), Credentials{BearerToken: token}); !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("err = %v, want ErrExpiredCredential", err)
	}
}

func TestResolveInvalidTokens(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, model.RoleMember)
	sess := newSession(t, store, f, time.Now().Add(time.Hour))
	ctx := context.Background()

	other := NewAuthService(store, "another-secret")
	forged, _ := other.IssueSessionToken(sess)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, tokenClaims{
		Kind: tokenKindSession, SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(f.user.ID, 10), Issuer: tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Kind: tokenKindSession, SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(f.user.ID, 10), Issuer: "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Kind: tokenKindSession, SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: strconv.FormatInt(f.user.ID, 10), Issuer: tokenIssuer},
	}).SignedString([]byte(testSecret))

	wrongSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Kind: tokenKindSession, SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "999", Issuer: tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	for name, tok := range map[string]string{
		"garbage":       "garbage.token.here",
		"wrong secret":  forged,
		"alg none":      unsigned,
		"wrong issuer":  wrongIssuer,
		"no expiry":     noExpiry,
		"wrong subject": wrongSubject,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.Resolve(ctx, Credentials{BearerToken: tok}); !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("err = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestServiceToken(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	token, err := auth.IssueServiceToken("billing-worker", []string{"organization-*:read-info"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	p, err := auth.Resolve(ctx, Credentials{BearerToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Kind != model.KindService || p.ID != "service:billing-worker" || p.TenantID != "" {
		t.Errorf("principal = %+v", p)
	}
	if !scope.Satisfies(p.Scopes, "organization-7:read-info", p.TenantID) {
		t.Error("service scopes should apply across tenants")
	}

	expired, _ := auth.IssueServiceToken("w", []string{"*:*"}, -time.Minute)
	if _, err := auth.Resolve(ctx, Credentials{BearerToken: expired}); !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("expired service token err = %v, want ErrExpiredCredential", err)
	}
	if _, err := auth.IssueServiceToken("w", []string{"bad scope"}, time.Hour); err == nil {
		t.Error("expected malformed scope to be rejected")
	}
	if _, err := auth.IssueServiceToken("", []string{"*:*"}, time.Hour); err == nil {
		t.Error("expected empty name to be rejected")
	}
}

func TestResolveAPIKey(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, "")
	ctx := context.Background()

	rawKey := "tg_test_key_abcdef123456"
	key := &model.APIKey{
		KeyHash:        config.HashAPIKey(rawKey),
		KeyPrefix:      rawKey[:11],
		OrganizationID: f.org.ID,
		Label:          "test",
		Scopes:         []string{"organization:read-info"},
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	p, err := auth.Resolve(ctx, Credentials{APIKey: rawKey})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Kind != model.KindAPIKey || p.APIKeyID != key.ID || p.TenantID != strconv.FormatInt(f.org.ID, 10) {
		t.Errorf("principal = %+v", p)
	}
	if !scope.Satisfies(p.Scopes, "organization-"+p.TenantID+":read-info", p.TenantID) {
		t.Error("id-less key scope should cover the owning organization")
	}

	if _, err := auth.Resolve(ctx, Credentials{APIKey: "wrong_key"}); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("unknown key err = %v, want ErrInvalidCredential", err)
	}

	// The key wins over a bearer token.
	p, err = auth.Resolve(ctx, Credentials{APIKey: rawKey, BearerToken: "garbage"})
	if err != nil || p.Kind != model.KindAPIKey {
		t.Errorf("Resolve(both) = %+v, %v", p, err)
	}

	// Resolution must not write anything back.
	after, _ := store.GetAPIKeyByHash(ctx, config.HashAPIKey(rawKey))
	if after.RevokedAt != nil || after.Label != "test" {
		t.Error("resolution modified the key record")
	}
}

func TestAPIKeyRevocationIsImmediateAndPermanent(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, "")
	ctx := context.Background()

	rawKey := "tg_revoke_test_key"
	key := &model.APIKey{KeyHash: config.HashAPIKey(rawKey), KeyPrefix: rawKey[:11], OrganizationID: f.org.ID, Scopes: []string{"*:*"}}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if _, err := auth.Resolve(ctx, Credentials{APIKey: rawKey}); err != nil {
		t.Fatalf("Resolve before revoke: %v", err)
	}

	if err := store.RevokeAPIKey(ctx, f.org.ID, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := auth.Resolve(ctx, Credentials{APIKey: rawKey}); !errors.Is(err, ErrRevokedCredential) {
			t.Fatalf("attempt %d after revoke: err = %v, want ErrRevokedCredential", i+1, err)
		}
	}
	// Later clocks do not resurrect it either.
	auth.WithClock(func() time.Time { return time.Now().Add(365 * 24 * time.Hour) })
	if _, err := auth.Resolve(ctx, Credentials{APIKey: rawKey}); !errors.Is(err, ErrRevokedCredential) {
		t.Errorf("err = %v, want ErrRevokedCredential", err)
	}
}

func TestAPIKeyExpired(t *testing.T) {
	auth, store := newTestAuth(t)
	f := seed(t, store, "")
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	rawKey := "tg_expired_key"
	key := &model.APIKey{KeyHash: config.HashAPIKey(rawKey), KeyPrefix: rawKey[:11], OrganizationID: f.org.ID, ExpiresAt: &past}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if _, err := auth.Resolve(ctx, Credentials{APIKey: rawKey}); !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("err = %v, want ErrExpiredCredential", err)
	}
}

func TestSessionScopes(t *testing.T) {
	memberships := []model.Membership{
		{OrganizationID: 1, Role: model.RoleOwner},
		{OrganizationID: 2, Role: model.RoleMember},
	}
	tests := []struct {
		active   int64
		required string
		want     bool
	}{
		{1, "user-7:enable-2fa", true},
		{1, "user-8:enable-2fa", false},
		{1, "organization-1:delete-api-keys", true},
		{1, "organization-2:read-members", false},
		{2, "organization-2:read-members", true},
		{2, "organization-2:write-members", false},
		{2, "organization-1:read-info", false},
		{1, "organization-3:read-info", false},
		{0, "organization-1:read-info", false},
		{0, "user-7:read-info", true},
	}
	for _, tt := range tests {
		scopes := SessionScopes(7, tt.active, memberships)
		if got := scope.Satisfies(scopes, tt.required, ""); got != tt.want {
			t.Errorf("active %d: Satisfies(%q) = %v, want %v", tt.active, tt.required, got, tt.want)
		}
	}
}
