// Package policy holds the stateless admission policies applied after a
// principal has been resolved: the two-factor step-up freshness check and
// the per-tenant subnet rules.
package policy

import (
	"errors"
	"time"

	"github.com/tollgatehq/tollgate/internal/model"
)

// DefaultStepUpWindow is how long a second-factor verification stays fresh.
const DefaultStepUpWindow = 10 * time.Minute

// MaxClockSkew bounds how far ahead of now a verification time may sit
// before it is treated as forged or corrupt rather than fresh.
const MaxClockSkew = time.Minute

// ErrStepUpRequired is returned when a sensitive action needs a fresh
// second-factor verification. It is deliberately distinct from a scope
// denial so clients can start a re-verification flow.
var ErrStepUpRequired = errors.New("step-up verification required")

// StepUp checks second-factor freshness for sensitive actions.
type StepUp struct {
	Window      time.Duration
	ExemptKinds []model.PrincipalKind
}

// NewStepUp returns a policy with the given window. Service principals are
// exempt because they have no interactive second factor.
func NewStepUp(window time.Duration) StepUp {
	if window <= 0 {
		window = DefaultStepUpWindow
	}
	return StepUp{Window: window, ExemptKinds: []model.PrincipalKind{model.KindService}}
}

// Check returns ErrStepUpRequired unless p verified a second factor within
// the window ending at now. A verification time more than MaxClockSkew in
// the future does not count.
func (s StepUp) Check(p model.Principal, now time.Time) error {
	for _, k := range s.ExemptKinds {
		if p.Kind == k {
			return nil
		}
	}
	if p.TwoFactorVerifiedAt == nil {
		return ErrStepUpRequired
	}
	window := s.Window
	if window <= 0 {
		window = DefaultStepUpWindow
	}
	age := now.Sub(*p.TwoFactorVerifiedAt)
	if age > window || age < -MaxClockSkew {
		return ErrStepUpRequired
	}
	return nil
}
