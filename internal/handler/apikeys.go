package handler

import (
	"net/http"
	"time"

	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/service"
)

// APIKeyHandler manages an organization's API keys.
type APIKeyHandler struct {
	keys *service.KeyService
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(keys *service.KeyService) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

// ListAPIKeys returns the organization's keys, revoked ones included. Key
// hashes are never serialized.
// GET /api/v1/organizations/{orgId}/api-keys
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	keys, err := h.keys.List(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, err, "API key")
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

type createAPIKeyRequest struct {
	Label     string     `json:"label"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	*model.APIKey
	Key string `json:"api_key"`
}

// CreateAPIKey mints a key scoped no wider than the caller. The raw key is
// in this response only.
// POST /api/v1/organizations/{orgId}/api-keys
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	key, raw, err := h.keys.Create(r.Context(), authz.PrincipalFromContext(r.Context()), service.CreateKeyInput{
		OrganizationID: orgID,
		Label:          req.Label,
		Scopes:         req.Scopes,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, r, err, "API key")
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: raw})
}

// RevokeAPIKey permanently disables a key. Revoking twice is not an error.
// DELETE /api/v1/organizations/{orgId}/api-keys/{keyId}
func (h *APIKeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	keyID, ok := pathID(w, r, "keyId")
	if !ok {
		return
	}
	if err := h.keys.Revoke(r.Context(), orgID, keyID); err != nil {
		writeServiceError(w, r, err, "API key")
		return
	}
	success(w)
}
