// Package authz runs every protected request through an ordered list of
// authorization stages and records the outcome in the audit trail.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/tollgatehq/tollgate/internal/metrics"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/ratelimit"
	"github.com/tollgatehq/tollgate/internal/scope"
	"github.com/tollgatehq/tollgate/internal/service"
)

// DefaultAPIKeyHeader is the header carrying API keys.
const DefaultAPIKeyHeader = "X-API-Key"

// Stage names one step of the pipeline.
type Stage string

const (
	StageRate    Stage = "rate"
	StageResolve Stage = "resolve"
	StageSubnet  Stage = "subnet"
	StageScope   Stage = "scope"
	StageStepUp  Stage = "step-up"
)

// RateLimiter admits or throttles a keyed request.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, cost int) (ratelimit.Decision, error)
}

// Resolver turns request credentials into a principal.
type Resolver interface {
	Resolve(ctx context.Context, creds service.Credentials) (model.Principal, error)
}

// SubnetPolicy checks a caller address against the tenant's rules.
type SubnetPolicy interface {
	Check(ctx context.Context, tenantID string, addr netip.Addr) error
}

// StepUpPolicy checks second-factor freshness.
type StepUpPolicy interface {
	Check(p model.Principal, now time.Time) error
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e *model.AuditEntry) error
}

// Options holds the pipeline collaborators. Limiter, Resolver, Subnets,
// StepUp and Recorder are required.
type Options struct {
	Limiter      RateLimiter
	Resolver     Resolver
	Subnets      SubnetPolicy
	StepUp       StepUpPolicy
	Recorder     Recorder
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	APIKeyHeader string
	Clock        func() time.Time
}

type stage struct {
	name Stage
	run  func(ctx context.Context, st *state) error
}

// state is what the stages of one decision share.
type state struct {
	req       Request
	route     Route
	principal model.Principal
}

// Pipeline decides whether a request may reach its handler.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	stages []stage
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Limiter == nil:
		return nil, errors.New("authz: limiter is required")
	case opts.Resolver == nil:
		return nil, errors.New("authz: resolver is required")
	case opts.Subnets == nil:
		return nil, errors.New("authz: subnet policy is required")
	case opts.StepUp == nil:
		return nil, errors.New("authz: step-up policy is required")
	case opts.Recorder == nil:
		return nil, errors.New("authz: audit recorder is required")
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = DefaultAPIKeyHeader
	}
	p := &Pipeline{opts: opts, logger: opts.Logger, now: opts.Clock}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.stages = []stage{
		{StageRate, p.rate},
		{StageResolve, p.resolve},
		{StageSubnet, p.subnet},
		{StageScope, p.scope},
		{StageStepUp, p.stepUp},
	}
	return p, nil
}

// Stages returns the stage names in the order they run.
func (p *Pipeline) Stages() []Stage {
	names := make([]Stage, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// APIKeyHeader is the header the pipeline reads API keys from.
func (p *Pipeline) APIKeyHeader() string { return p.opts.APIKeyHeader }

// Authorize runs the stages in order and stops at the first rejection. A
// rejected request is audited here and the returned error is a *Denial.
// An admitted request is audited by Complete once the handler finishes.
func (p *Pipeline) Authorize(ctx context.Context, req Request, rt Route) (model.Principal, error) {
	// A client disconnect must not cut a decision or its audit entry short.
	ctx = context.WithoutCancel(ctx)
	start := p.now()
	st := &state{req: req, route: rt, principal: model.Anonymous()}

	for _, s := range p.stages {
		err := s.run(ctx, st)
		if err == nil {
			continue
		}
		d := classify(s.name, err)
		if d.Reason == ReasonThrottled {
			var limited *throttled
			if errors.As(err, &limited) {
				d.RetryAfter = limited.retryAfter
			}
			p.opts.Metrics.Throttled()
		}

		level := slog.LevelInfo
		if d.Reason == ReasonInternal {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "request denied",
			"stage", string(d.Stage),
			"reason", d.Reason,
			"error", d.Err,
			"principal", st.principal.ID,
			"method", req.Method,
			"path", req.Path,
			"request_id", req.RequestID,
		)
		p.opts.Metrics.Decision(string(d.Outcome()), d.Reason, p.now().Sub(start))
		p.record(ctx, &model.AuditEntry{
			ActorID:   st.principal.ID,
			ActorKind: string(st.principal.Kind),
			TenantID:  st.principal.TenantID,
			Action:    rt.action(),
			Outcome:   d.Outcome(),
			Reason:    d.Reason,
			Status:    d.Status(),
		}, req)
		return st.principal, d
	}

	p.opts.Metrics.Decision(string(model.OutcomeAllowed), "", p.now().Sub(start))
	return st.principal, nil
}

// Complete records the outcome of an admitted request. Status codes of
// 500 and above are recorded as errors.
func (p *Pipeline) Complete(ctx context.Context, req Request, rt Route, principal model.Principal, status int) {
	ctx = context.WithoutCancel(ctx)
	e := &model.AuditEntry{
		ActorID:   principal.ID,
		ActorKind: string(principal.Kind),
		TenantID:  principal.TenantID,
		Action:    rt.action(),
		Outcome:   model.OutcomeAllowed,
		Status:    status,
	}
	if status >= 500 {
		e.Outcome = model.OutcomeError
		e.Reason = ReasonInternal
	}
	if required, err := requiredScope(rt, req); err == nil && required != "" {
		if parsed, err := scope.Parse(required); err == nil {
			e.ResourceType = parsed.ResourceType
			e.ResourceID = parsed.ResourceID
		}
	}
	p.record(ctx, e, req)
}

func (p *Pipeline) record(ctx context.Context, e *model.AuditEntry, req Request) {
	if e.ActorKind == "" {
		e.ActorKind = string(model.KindAnonymous)
	}
	e.RequestID = req.RequestID
	e.Method = req.Method
	e.Path = req.Path
	e.UserAgent = req.UserAgent
	if req.Addr.IsValid() {
		e.IPAddress = req.Addr.String()
	}
	// The recorder logs and alarms on failure itself. A lost entry never
	// changes the decision.
	_ = p.opts.Recorder.Record(ctx, e)
}

type throttled struct {
	retryAfter time.Duration
}

func (t *throttled) Error() string { return ratelimit.ErrThrottled.Error() }

func (t *throttled) Is(target error) bool { return target == ratelimit.ErrThrottled }

// rateKey buckets callers by address. Resolution has not run yet, so the
// address is the only identity available.
func rateKey(addr netip.Addr) string {
	if !addr.IsValid() {
		return "ip:unknown"
	}
	return "ip:" + addr.String()
}

func (p *Pipeline) rate(ctx context.Context, st *state) error {
	d, err := p.opts.Limiter.TryAcquire(ctx, rateKey(st.req.Addr), st.route.Cost)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !d.Admitted {
		return &throttled{retryAfter: d.RetryAfter}
	}
	return nil
}

func (p *Pipeline) resolve(ctx context.Context, st *state) error {
	principal, err := p.opts.Resolver.Resolve(ctx, service.Credentials{
		BearerToken: st.req.BearerToken,
		APIKey:      st.req.APIKey,
	})
	if err != nil {
		return err
	}
	st.principal = principal
	if principal.IsAnonymous() && !st.route.Public() {
		return ErrUnauthenticated
	}
	return nil
}

func (p *Pipeline) subnet(ctx context.Context, st *state) error {
	return p.opts.Subnets.Check(ctx, st.principal.TenantID, st.req.Addr)
}

func (p *Pipeline) scope(_ context.Context, st *state) error {
	required, err := requiredScope(st.route, st.req)
	if err != nil {
		// A path value that cannot form a scope can never be granted.
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if required == "" {
		return nil
	}
	if !scope.Satisfies(st.principal.GrantedScopes(), required, st.principal.TenantID) {
		return fmt.Errorf("%w: %s", ErrForbidden, required)
	}
	return nil
}

func (p *Pipeline) stepUp(_ context.Context, st *state) error {
	if !st.route.Sensitive {
		return nil
	}
	return p.opts.StepUp.Check(st.principal, p.now())
}

// requiredScope expands the route's scope template against the request's
// path parameters. It returns "" when the route has no scope.
func requiredScope(rt Route, req Request) (string, error) {
	if rt.Scope == "" {
		return "", nil
	}
	return scope.Expand(rt.Scope, req.param)
}
