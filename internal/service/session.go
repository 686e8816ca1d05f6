package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
)

// DefaultSessionTTL is the lifetime of a session created by Login.
const DefaultSessionTTL = 24 * time.Hour

var (
	// ErrInvalidLogin covers unknown emails, wrong passwords, inactive users
	// and memberships the user does not have.
	ErrInvalidLogin = errors.New("invalid email or password")
	// ErrInvalidTOTP is returned when a second-factor code does not verify.
	ErrInvalidTOTP = errors.New("invalid verification code")
	// ErrTwoFactorNotEnabled is returned when verifying a user without a secret.
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication is not enabled")
	// ErrNotSession is returned for session operations by other principal kinds.
	ErrNotSession = errors.New("operation requires a session")
)

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// LoginInput carries a password login attempt.
type LoginInput struct {
	Email          string
	Password       string
	OrganizationID int64 // 0 selects the user's first organization
	TOTPCode       string
	IPAddress      string
	UserAgent      string
}

// SessionService implements login, logout and second-factor flows.
type SessionService struct {
	store *config.Store
	auth  *AuthService
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionService creates a SessionService issuing tokens through auth.
func NewSessionService(store *config.Store, auth *AuthService, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionService{store: store, auth: auth, ttl: ttl, now: time.Now}
}

// Login verifies a password, creates a session and returns its token. When
// the user has two-factor enabled and a code is supplied, the new session
// starts out verified.
func (s *SessionService) Login(ctx context.Context, in LoginInput) (*model.Session, string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(in.Email)))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, "", ErrInvalidLogin
		}
		return nil, "", err
	}
	if !user.IsActive {
		return nil, "", ErrInvalidLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		return nil, "", ErrInvalidLogin
	}

	orgID, err := s.pickOrganization(ctx, user.ID, in.OrganizationID)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	sess := &model.Session{
		UserID:         user.ID,
		OrganizationID: orgID,
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
	}
	if in.TOTPCode != "" {
		if !user.TwoFactorEnabled() {
			return nil, "", ErrTwoFactorNotEnabled
		}
		if err := s.acceptTOTP(ctx, user, in.TOTPCode, now); err != nil {
			return nil, "", err
		}
		sess.TwoFactorVerifiedAt = &now
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, "", err
	}
	if err := s.store.UpdateUserLastLogin(ctx, user.ID, now); err != nil {
		return nil, "", err
	}

	token, err := s.auth.IssueSessionToken(sess)
	if err != nil {
		return nil, "", fmt.Errorf("issue session token: %w", err)
	}
	return sess, token, nil
}

func (s *SessionService) pickOrganization(ctx context.Context, userID, requested int64) (int64, error) {
	memberships, err := s.store.ListMemberships(ctx, userID)
	if err != nil {
		return 0, err
	}
	if requested == 0 {
		if len(memberships) == 0 {
			return 0, nil
		}
		return memberships[0].OrganizationID, nil
	}
	for _, m := range memberships {
		if m.OrganizationID == requested {
			return requested, nil
		}
	}
	return 0, ErrInvalidLogin
}

// Logout revokes the principal's own session.
func (s *SessionService) Logout(ctx context.Context, p model.Principal) error {
	if p.Kind != model.KindSession {
		return ErrNotSession
	}
	return s.store.RevokeSession(ctx, p.UserID, p.SessionID)
}

// List returns a user's sessions.
func (s *SessionService) List(ctx context.Context, userID int64) ([]model.Session, error) {
	return s.store.ListSessions(ctx, userID)
}

// Revoke ends one of a user's sessions.
func (s *SessionService) Revoke(ctx context.Context, userID int64, sessionID string) error {
	return s.store.RevokeSession(ctx, userID, sessionID)
}

// EnableTwoFactor generates and stores a new TOTP secret for the user and
// returns it with its enrolment URL.
func (s *SessionService) EnableTwoFactor(ctx context.Context, userID int64) (secret, otpURL string, err error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	key, err := NewTOTPKey(user.Email)
	if err != nil {
		return "", "", err
	}
	if err := s.store.SetUserTOTPSecret(ctx, userID, key.Secret()); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// VerifyTwoFactor checks a TOTP code for the principal's user and stamps the
// session as freshly verified.
func (s *SessionService) VerifyTwoFactor(ctx context.Context, p model.Principal, code string) (time.Time, error) {
	if p.Kind != model.KindSession {
		return time.Time{}, ErrNotSession
	}
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return time.Time{}, err
	}
	if !user.TwoFactorEnabled() {
		return time.Time{}, ErrTwoFactorNotEnabled
	}
	now := s.now().UTC()
	if err := s.acceptTOTP(ctx, user, code, now); err != nil {
		return time.Time{}, err
	}
	if err := s.store.MarkSessionTwoFactorVerified(ctx, p.SessionID, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// acceptTOTP checks code against the user's secret and consumes its time
// step. A code that verified once is refused for the rest of its window.
func (s *SessionService) acceptTOTP(ctx context.Context, user *model.User, code string, now time.Time) error {
	step, ok := MatchTOTP(user.TOTPSecret, code, now)
	if !ok {
		return ErrInvalidTOTP
	}
	fresh, err := s.store.ConsumeTOTPStep(ctx, user.ID, step)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("%w: code already used", ErrInvalidTOTP)
	}
	return nil
}
