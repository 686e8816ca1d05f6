// Package audit records the terminal outcome of every authorization
// decision in an append-only trail.
package audit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tollgatehq/tollgate/internal/model"
)

// ErrSinkUnavailable is returned when an entry could not be appended after
// all retries. It is an internal alarm, never a reason to deny a request.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// Sink durably appends entries. Appending the same entry ID twice must not
// create a second record.
type Sink interface {
	Append(ctx context.Context, e *model.AuditEntry) error
}

// Alarm is notified whenever an entry is finally dropped.
type Alarm interface {
	AuditSinkFailed()
}

// Retry bounds how long Record keeps trying a failing sink.
type Retry struct {
	Attempts int
	Backoff  time.Duration // doubled after each failed attempt
	Timeout  time.Duration // per attempt
}

// DefaultRetry is three attempts starting at 50ms backoff.
func DefaultRetry() Retry {
	return Retry{Attempts: 3, Backoff: 50 * time.Millisecond, Timeout: 2 * time.Second}
}

// Options configures a Recorder.
type Options struct {
	Retry  Retry
	Logger *slog.Logger
	Alarm  Alarm
	Clock  func() time.Time
}

// Recorder stamps entries with a monotonic ULID and appends them to a sink.
type Recorder struct {
	sink   Sink
	retry  Retry
	logger *slog.Logger
	alarm  Alarm
	now    func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    time.Time
}

// NewRecorder creates a Recorder over sink.
func NewRecorder(sink Sink, opts Options) *Recorder {
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = DefaultRetry().Attempts
	}
	if opts.Retry.Timeout <= 0 {
		opts.Retry.Timeout = DefaultRetry().Timeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Recorder{
		sink:    sink,
		retry:   opts.Retry,
		logger:  opts.Logger,
		alarm:   opts.Alarm,
		now:     opts.Clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// stamp assigns ID and OccurredAt. Timestamps never go backwards, so ID
// order always matches the order in which entries were stamped.
func (r *Recorder) stamp(e *model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if now.Before(r.last) {
		now = r.last
	}
	r.last = now

	id, err := ulid.New(ulid.Timestamp(now), r.entropy)
	if err != nil {
		return fmt.Errorf("generate audit id: %w", err)
	}
	e.ID = id.String()
	e.OccurredAt = now
	return nil
}

// Record stamps e and appends it, retrying with backoff. The write is
// detached from ctx cancellation so a client hanging up cannot drop its own
// audit trail.
func (r *Recorder) Record(ctx context.Context, e *model.AuditEntry) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.stamp(e); err != nil {
		r.fail(e, err)
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	var err error
	backoff := r.retry.Backoff
	for attempt := 1; attempt <= r.retry.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.retry.Timeout)
		err = r.sink.Append(actx, e)
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Warn("audit append failed",
			"attempt", attempt,
			"audit_id", e.ID,
			"error", err,
		)
		if attempt < r.retry.Attempts && backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	r.fail(e, err)
	return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
}

func (r *Recorder) fail(e *model.AuditEntry, err error) {
	r.logger.Error("audit entry dropped",
		"audit_id", e.ID,
		"actor_id", e.ActorID,
		"action", e.Action,
		"outcome", string(e.Outcome),
		"reason", e.Reason,
		"request_id", e.RequestID,
		"error", err,
	)
	if r.alarm != nil {
		r.alarm.AuditSinkFailed()
	}
}
