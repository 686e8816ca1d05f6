package handler

import (
	"net/http"
	"time"

	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/service"
)

// AuthHandler serves password login, logout and second-factor verification
// for the calling session.
type AuthHandler struct {
	sessions *service.SessionService
	ttl      time.Duration
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(sessions *service.SessionService, ttl time.Duration) *AuthHandler {
	if ttl <= 0 {
		ttl = service.DefaultSessionTTL
	}
	return &AuthHandler{sessions: sessions, ttl: ttl}
}

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	OrganizationID int64  `json:"organization_id,omitempty"`
	TOTPCode       string `json:"totp_code,omitempty"`
}

type loginResponse struct {
	Token             string `json:"session_token"`
	TokenType         string `json:"token_type"`
	ExpiresIn         int    `json:"expires_in"`
	SessionID         string `json:"session_id"`
	UserID            int64  `json:"user_id"`
	OrganizationID    int64  `json:"organization_id,omitempty"`
	TwoFactorVerified bool   `json:"two_factor_verified"`
}

// Login authenticates a user by email and password and returns a session
// token. POST /api/v1/auth/session
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	in := service.LoginInput{
		Email:          req.Email,
		Password:       req.Password,
		OrganizationID: req.OrganizationID,
		TOTPCode:       req.TOTPCode,
		UserAgent:      r.UserAgent(),
	}
	if addr := authz.ClientAddr(r.RemoteAddr); addr.IsValid() {
		in.IPAddress = addr.String()
	}
	sess, token, err := h.sessions.Login(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err, "Session")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:             token,
		TokenType:         "bearer",
		ExpiresIn:         int(h.ttl.Seconds()),
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		OrganizationID:    sess.OrganizationID,
		TwoFactorVerified: sess.TwoFactorVerifiedAt != nil,
	})
}

// Logout revokes the caller's session. The token stops resolving at once.
// DELETE /api/v1/auth/session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFromContext(r.Context())
	if err := h.sessions.Logout(r.Context(), p); err != nil {
		writeServiceError(w, r, err, "Session")
		return
	}
	success(w)
}

type verifyRequest struct {
	Code string `json:"code"`
}

// VerifyTwoFactor checks a TOTP code and marks the caller's session as
// freshly verified, which unlocks sensitive routes for the step-up window.
// POST /api/v1/auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "Code is required")
		return
	}
	at, err := h.sessions.VerifyTwoFactor(r.Context(), authz.PrincipalFromContext(r.Context()), req.Code)
	if err != nil {
		writeServiceError(w, r, err, "Session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verified_at": at,
	})
}

type whoamiResponse struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	TenantID            string     `json:"tenant_id,omitempty"`
	Scopes              []string   `json:"scopes"`
	TwoFactorVerifiedAt *time.Time `json:"two_factor_verified_at,omitempty"`
}

// Whoami describes the calling principal.
// GET /api/v1/auth/whoami
func (h *AuthHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFromContext(r.Context())
	scopes := p.GrantedScopes()
	if scopes == nil {
		scopes = []string{}
	}
	writeJSON(w, http.StatusOK, whoamiResponse{
		ID:                  p.ID,
		Kind:                string(p.Kind),
		TenantID:            p.TenantID,
		Scopes:              scopes,
		TwoFactorVerifiedAt: p.TwoFactorVerifiedAt,
	})
}
