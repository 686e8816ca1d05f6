package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tollgatehq/tollgate/internal/model"
)

// LoginLimit caps password attempts per client address to perMinute using
// a sliding window. It sits in front of the login route on top of the
// pipeline's token bucket, which is shaped for ordinary traffic rather than
// credential guessing. Rejections use the standard error envelope.
func LoginLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(model.ErrorResponse{
				Error: model.ErrorDetail{Code: http.StatusTooManyRequests, Message: "Too many login attempts"},
			})
		}),
	)
}
