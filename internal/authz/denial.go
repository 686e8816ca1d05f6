package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/policy"
	"github.com/tollgatehq/tollgate/internal/ratelimit"
	"github.com/tollgatehq/tollgate/internal/service"
)

var (
	// ErrUnauthenticated is returned when a route needs a principal and
	// the request carried no credential.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden is returned when the principal's scopes do not cover
	// the route's required scope.
	ErrForbidden = errors.New("insufficient scope")
)

// Reason codes recorded in the audit trail and metrics. They are never
// sent to the client.
const (
	ReasonThrottled         = "throttled"
	ReasonInvalidCredential = "invalid_credential"
	ReasonExpiredCredential = "expired_credential"
	ReasonRevokedCredential = "revoked_credential"
	ReasonUnauthenticated   = "unauthenticated"
	ReasonSubnetDenied      = "subnet_denied"
	ReasonForbidden         = "forbidden"
	ReasonStepUpRequired    = "step_up_required"
	ReasonInternal          = "internal_error"
)

// Denial is the error returned by Authorize when a stage rejects a request.
type Denial struct {
	Stage      Stage
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (d *Denial) Error() string {
	return string(d.Stage) + ": " + d.Reason + ": " + d.Err.Error()
}

func (d *Denial) Unwrap() error { return d.Err }

// Status is the HTTP status code the denial maps to.
func (d *Denial) Status() int {
	switch d.Reason {
	case ReasonThrottled:
		return http.StatusTooManyRequests
	case ReasonInvalidCredential, ReasonExpiredCredential, ReasonRevokedCredential, ReasonUnauthenticated:
		return http.StatusUnauthorized
	case ReasonSubnetDenied, ReasonForbidden:
		return http.StatusForbidden
	case ReasonStepUpRequired:
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}

// Outcome is the audit outcome of the denial. Internal failures are
// recorded as errors rather than denials.
func (d *Denial) Outcome() model.Outcome {
	if d.Reason == ReasonInternal {
		return model.OutcomeError
	}
	return model.OutcomeDenied
}

// message is the client-facing text. Subnet and scope failures share one
// message so callers cannot tell which check rejected them.
func (d *Denial) message() string {
	switch d.Status() {
	case http.StatusTooManyRequests:
		return "Too many requests"
	case http.StatusUnauthorized:
		return "Authentication required"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusPreconditionRequired:
		return "Two-factor verification required"
	default:
		return "Internal server error"
	}
}

// classify turns a stage error into a Denial. Errors that are not a known
// rejection become internal errors.
func classify(stage Stage, err error) *Denial {
	d := &Denial{Stage: stage, Err: err}
	switch {
	case errors.Is(err, ratelimit.ErrThrottled):
		d.Reason = ReasonThrottled
	case errors.Is(err, service.ErrRevokedCredential):
		d.Reason = ReasonRevokedCredential
	case errors.Is(err, service.ErrExpiredCredential):
		d.Reason = ReasonExpiredCredential
	case errors.Is(err, service.ErrInvalidCredential):
		d.Reason = ReasonInvalidCredential
	case errors.Is(err, ErrUnauthenticated):
		d.Reason = ReasonUnauthenticated
	case errors.Is(err, policy.ErrSubnetDenied):
		d.Reason = ReasonSubnetDenied
	case errors.Is(err, ErrForbidden):
		d.Reason = ReasonForbidden
	case errors.Is(err, policy.ErrStepUpRequired):
		d.Reason = ReasonStepUpRequired
	default:
		d.Reason = ReasonInternal
	}
	return d
}

// WriteDenial writes err as a JSON error envelope. Errors that are not a
// *Denial are written as 500.
func WriteDenial(w http.ResponseWriter, err error) {
	var d *Denial
	if !errors.As(err, &d) {
		d = &Denial{Reason: ReasonInternal, Err: err}
	}
	status := d.Status()
	if status == http.StatusTooManyRequests && d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tollgate"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: d.message()},
	})
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
