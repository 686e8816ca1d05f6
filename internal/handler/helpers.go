package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/scope"
	"github.com/tollgatehq/tollgate/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeServiceError maps store and service errors to a status code. Errors
// without a mapping are logged and reported as a bare 500 so internal
// details never reach the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, config.ErrConflict):
		writeError(w, http.StatusConflict, what+" already exists")
	case errors.Is(err, service.ErrInvalidLogin):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrInvalidTOTP):
		writeError(w, http.StatusUnauthorized, "Invalid two-factor code")
	case errors.Is(err, service.ErrTwoFactorNotEnabled):
		writeError(w, http.StatusConflict, "Two-factor authentication is not enabled")
	case errors.Is(err, service.ErrNotSession):
		writeError(w, http.StatusBadRequest, "This operation requires a session")
	case errors.Is(err, service.ErrScopeEscalation):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, scope.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed", "what", what, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// readJSON decodes the request body as JSON into v. Unknown fields are
// rejected. The body is closed after decoding regardless of success or
// failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// pathID reads a positive numeric URL parameter, writing a 400 and
// returning false when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := service.ParseID(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %v", name, err))
		return 0, false
	}
	return id, true
}

func success(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
