package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/tollgatehq/tollgate/internal/audit"
	"github.com/tollgatehq/tollgate/internal/model"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	List(ctx context.Context, f audit.Filter) ([]model.AuditEntry, error)
}

// AuditHandler lists an organization's audit entries.
type AuditHandler struct {
	log AuditLog
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(log AuditLog) *AuditHandler {
	return &AuditHandler{log: log}
}

// ListAuditLogs returns entries for one organization in id order. Paging is
// by cursor: pass meta.next_cursor back as ?after=.
//
// Query parameters: limit, after, actor, outcome, order=desc.
// GET /api/v1/organizations/{orgId}/audit-logs
func (h *AuditHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	f := audit.Filter{
		TenantID:   strconv.FormatInt(orgID, 10),
		ActorID:    queryString(r, "actor"),
		After:      queryString(r, "after"),
		Limit:      clampInt(queryInt(r, "limit", defaultAuditLimit), 1, maxAuditLimit),
		Descending: queryString(r, "order") == "desc",
	}
	switch o := model.Outcome(queryString(r, "outcome")); o {
	case "", model.OutcomeAllowed, model.OutcomeDenied, model.OutcomeError:
		f.Outcome = o
	default:
		writeError(w, http.StatusBadRequest, "Outcome must be allowed, denied or error")
		return
	}

	entries, err := h.log.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err, "Audit log")
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	meta := &model.ResponseMeta{Count: len(entries), Limit: f.Limit}
	if len(entries) == f.Limit {
		meta.NextCursor = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, model.ListResponse{Resource: entries, Meta: meta})
}
