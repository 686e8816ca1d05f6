package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/scope"
)

// Credential failures. Each is distinct so the trail can record which one
// applied; callers outside the process only ever see a generic 401.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
	ErrRevokedCredential = errors.New("revoked credential")
)

const (
	tokenIssuer = "tollgate"

	tokenKindSession = "session"
	tokenKindService = "service"
)

// CredentialStore is the read-only lookup surface the resolver needs.
type CredentialStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListMemberships(ctx context.Context, userID int64) ([]model.Membership, error)
}

// Credentials is the raw credential material taken from a request.
type Credentials struct {
	BearerToken string
	APIKey      string
}

// AuthService resolves credentials into principals and issues tokens.
type AuthService struct {
	store     CredentialStore
	jwtSecret []byte
	now       func() time.Time
}

// NewAuthService creates an AuthService verifying HS256 tokens with jwtSecret.
func NewAuthService(store CredentialStore, jwtSecret string) *AuthService {
	return &AuthService{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock replaces the time source used for expiry checks.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Resolve turns credentials into a principal. An API key takes precedence
// over a bearer token; no credential at all yields the anonymous principal.
// Resolve never writes to the store.
func (s *AuthService) Resolve(ctx context.Context, creds Credentials) (model.Principal, error) {
	switch {
	case creds.APIKey != "":
		return s.resolveAPIKey(ctx, creds.APIKey)
	case creds.BearerToken != "":
		return s.resolveToken(ctx, creds.BearerToken)
	default:
		return model.Anonymous(), nil
	}
}

func (s *AuthService) resolveAPIKey(ctx context.Context, rawKey string) (model.Principal, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, config.HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return model.Principal{}, fmt.Errorf("%w: unknown api key", ErrInvalidCredential)
		}
		return model.Principal{}, fmt.Errorf("look up api key: %w", err)
	}
	if key.IsRevoked() {
		return model.Principal{}, fmt.Errorf("%w: api key %d", ErrRevokedCredential, key.ID)
	}
	if key.IsExpired(s.now()) {
		return model.Principal{}, fmt.Errorf("%w: api key %d", ErrExpiredCredential, key.ID)
	}

	scopes := make([]string, len(key.Scopes))
	copy(scopes, key.Scopes)
	return model.Principal{
		ID:       "api-key:" + strconv.FormatInt(key.ID, 10),
		Kind:     model.KindAPIKey,
		Scopes:   scopes,
		TenantID: strconv.FormatInt(key.OrganizationID, 10),
		APIKeyID: key.ID,
	}, nil
}

func (s *AuthService) resolveToken(ctx context.Context, tokenStr string) (model.Principal, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Principal{}, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return model.Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	switch claims.Kind {
	case tokenKindSession:
		return s.resolveSession(ctx, claims)
	case tokenKindService:
		if claims.Subject == "" {
			return model.Principal{}, fmt.Errorf("%w: service token without subject", ErrInvalidCredential)
		}
		scopes := make([]string, len(claims.Scopes))
		copy(scopes, claims.Scopes)
		return model.Principal{
			ID:     "service:" + claims.Subject,
			Kind:   model.KindService,
			Scopes: scopes,
		}, nil
	default:
		return model.Principal{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidCredential, claims.Kind)
	}
}

func (s *AuthService) resolveSession(ctx context.Context, claims *tokenClaims) (model.Principal, error) {
	if claims.SessionID == "" {
		return model.Principal{}, fmt.Errorf("%w: session token without sid", ErrInvalidCredential)
	}
	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return model.Principal{}, fmt.Errorf("%w: unknown session", ErrInvalidCredential)
		}
		return model.Principal{}, fmt.Errorf("look up session: %w", err)
	}
	if strconv.FormatInt(sess.UserID, 10) != claims.Subject {
		return model.Principal{}, fmt.Errorf("%w: session subject mismatch", ErrInvalidCredential)
	}
	if sess.IsRevoked() {
		return model.Principal{}, fmt.Errorf("%w: session %s", ErrRevokedCredential, sess.ID)
	}
	if sess.IsExpired(s.now()) {
		return model.Principal{}, fmt.Errorf("%w: session %s", ErrExpiredCredential, sess.ID)
	}

	memberships, err := s.store.ListMemberships(ctx, sess.UserID)
	if err != nil {
		return model.Principal{}, fmt.Errorf("list memberships: %w", err)
	}

	p := model.Principal{
		ID:        "user:" + claims.Subject,
		Kind:      model.KindSession,
		Scopes:    SessionScopes(sess.UserID, sess.OrganizationID, memberships),
		UserID:    sess.UserID,
		SessionID: sess.ID,
	}
	if sess.OrganizationID != 0 {
		p.TenantID = strconv.FormatInt(sess.OrganizationID, 10)
	}
	if sess.TwoFactorVerifiedAt != nil {
		t := *sess.TwoFactorVerifiedAt
		p.TwoFactorVerifiedAt = &t
	}
	return p, nil
}

// IssueSessionToken signs a token bound to a stored session. The token
// expires with the session.
func (s *AuthService) IssueSessionToken(sess *model.Session) (string, error) {
	claims := tokenClaims{
		Kind:      tokenKindSession,
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(sess.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// IssueServiceToken signs a token for a non-interactive caller with a fixed
// scope set. Service tokens carry no tenant and have no server-side record.
func (s *AuthService) IssueServiceToken(name string, scopes []string, ttl time.Duration) (string, error) {
	if name == "" {
		return "", errors.New("service name is required")
	}
	if len(scopes) == 0 {
		return "", errors.New("at least one scope is required")
	}
	if err := scope.Validate(scopes); err != nil {
		return "", err
	}
	now := s.now()
	claims := tokenClaims{
		Kind:   tokenKindService,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type tokenClaims struct {
	Kind      string   `json:"knd"`
	SessionID string   `json:"sid,omitempty"`
	Scopes    []string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}
