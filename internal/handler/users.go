package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/service"
)

// UserHandler serves a user's own profile, two-factor enrolment and
// sessions.
type UserHandler struct {
	store    *config.Store
	sessions *service.SessionService
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(store *config.Store, sessions *service.SessionService) *UserHandler {
	return &UserHandler{store: store, sessions: sessions}
}

type userResponse struct {
	*model.User
	TwoFactorEnabled bool               `json:"two_factor_enabled"`
	Memberships      []model.Membership `json:"memberships"`
}

// GetUser returns a user with their memberships.
// GET /api/v1/users/{userId}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "User")
		return
	}
	memberships, err := h.store.ListMemberships(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "User")
		return
	}
	if memberships == nil {
		memberships = []model.Membership{}
	}
	writeJSON(w, http.StatusOK, userResponse{
		User:             user,
		TwoFactorEnabled: user.TwoFactorEnabled(),
		Memberships:      memberships,
	})
}

// EnableTwoFactor generates a TOTP secret for a user who has none yet. The
// secret is returned once.
// POST /api/v1/users/{userId}/2fa
func (h *UserHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "User")
		return
	}
	if user.TwoFactorEnabled() {
		writeError(w, http.StatusConflict, "Two-factor authentication is already enabled")
		return
	}
	secret, url, err := h.sessions.EnableTwoFactor(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "User")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"secret":      secret,
		"otpauth_url": url,
	})
}

// ListSessions returns every session of a user, revoked ones included.
// GET /api/v1/users/{userId}/sessions
func (h *UserHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	sessions, err := h.sessions.List(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Session")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: sessions,
		Meta:     &model.ResponseMeta{Count: len(sessions)},
	})
}

// RevokeSession ends one of a user's sessions.
// DELETE /api/v1/users/{userId}/sessions/{sessionId}
func (h *UserHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	if err := h.sessions.Revoke(r.Context(), id, chi.URLParam(r, "sessionId")); err != nil {
		writeServiceError(w, r, err, "Session")
		return
	}
	success(w)
}
