package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/tollgatehq/tollgate/internal/audit"
	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/metrics"
	"github.com/tollgatehq/tollgate/internal/policy"
	"github.com/tollgatehq/tollgate/internal/ratelimit"
	"github.com/tollgatehq/tollgate/internal/server"
	"github.com/tollgatehq/tollgate/internal/service"
)

// stack is a fully wired server plus what must be closed after it stops.
type stack struct {
	server  *server.Server
	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// buildStack wires the limiter, resolver, policies, audit recorder and
// metrics into an authorization pipeline and mounts it on a server. The
// memory limiter's sweeper runs until ctx is cancelled.
func buildStack(ctx context.Context, cfg *config.YAMLConfig, store *config.Store, logger *slog.Logger) (*stack, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	st := &stack{}
	fail := func(err error) (*stack, error) {
		st.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var ready []server.Check

	limiter, check, closeLimiter, err := newLimiter(ctx, cfg.RateLimit, logger)
	if err != nil {
		return fail(err)
	}
	if closeLimiter != nil {
		st.closers = append(st.closers, closeLimiter)
	}
	if check != nil {
		ready = append(ready, *check)
	}

	sink, err := newAuditSink(ctx, cfg.Audit, store)
	if err != nil {
		return fail(err)
	}
	if sink != nil && cfg.Audit.DSN != "" {
		st.closers = append(st.closers, sink.Close)
	}
	ready = append(ready, server.Check{Name: "audit", Ping: sink.Ping})

	var recordTo audit.Sink = sink
	if cfg.Audit.Log {
		recordTo = audit.MultiSink{sink, audit.NewLogSink(logger)}
	}
	retry := audit.DefaultRetry()
	if cfg.Audit.Retries > 0 {
		retry.Attempts = cfg.Audit.Retries
	}
	if settings.RetryBackoff > 0 {
		retry.Backoff = settings.RetryBackoff
	}
	recorder := audit.NewRecorder(recordTo, audit.Options{Retry: retry, Logger: logger, Alarm: m})

	secret, err := resolveJWTSecret(ctx, store, cfg)
	if err != nil {
		return fail(err)
	}
	authSvc := service.NewAuthService(store, secret)
	sessions := service.NewSessionService(store, authSvc, settings.SessionTTL)

	pipeline, err := authz.New(authz.Options{
		Limiter:      limiter,
		Resolver:     authSvc,
		Subnets:      policy.NewSubnets(store),
		StepUp:       policy.NewStepUp(settings.StepUpWindow),
		Recorder:     recorder,
		Logger:       logger,
		Metrics:      m,
		APIKeyHeader: cfg.Auth.APIKeyHeader,
	})
	if err != nil {
		return fail(err)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.TrustProxy = cfg.Server.TrustProxy
	srvCfg.LoginPerMinute = cfg.Auth.LoginPerMin
	srvCfg.Version = versionString()
	if settings.ShutdownTimeout > 0 {
		srvCfg.ShutdownTimeout = settings.ShutdownTimeout
	}
	if settings.MaxBodySize > 0 {
		srvCfg.MaxBodySize = settings.MaxBodySize
	}
	if len(cfg.Server.CORS.Origins) > 0 {
		srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	}
	if len(cfg.Server.CORS.Methods) > 0 {
		srvCfg.CORSMethods = cfg.Server.CORS.Methods
	}

	srv, err := server.New(srvCfg, server.Deps{
		Store:      store,
		Pipeline:   pipeline,
		Sessions:   sessions,
		Keys:       service.NewKeyService(store),
		AuditLog:   sink,
		SessionTTL: settings.SessionTTL,
		Metrics:    m,
		Gatherer:   registry,
		Logger:     logger,
		Ready:      ready,
	})
	if err != nil {
		return fail(err)
	}
	st.server = srv
	return st, nil
}

// newLimiter builds the token-bucket limiter for the configured backend.
// Redis shares buckets across replicas; memory is per process.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (*ratelimit.Limiter, *server.Check, func() error, error) {
	bucket := ratelimit.Config{Capacity: cfg.Capacity, RefillPerSecond: cfg.RefillPerSecond}

	switch strings.ToLower(cfg.Backend) {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		store, err := ratelimit.NewRedisStore(client, bucket, "tollgate:rl:")
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		logger.Info("rate limiter ready", "backend", "redis", "addr", cfg.RedisAddr)
		check := &server.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}}
		return ratelimit.New(store), check, client.Close, nil
	default:
		store, err := ratelimit.NewMemoryStore(bucket)
		if err != nil {
			return nil, nil, nil, err
		}
		go store.Run(ctx, time.Minute)
		logger.Info("rate limiter ready", "backend", "memory", "capacity", bucket.Capacity)
		return ratelimit.New(store), nil, nil, nil
	}
}

// newAuditSink opens the audit table. With the sqlite driver and no DSN the
// trail shares the config store's database.
func newAuditSink(ctx context.Context, cfg config.AuditConfig, store *config.Store) (*audit.SQLSink, error) {
	if cfg.DSN == "" {
		if cfg.Driver != "" && !strings.EqualFold(cfg.Driver, "sqlite") {
			return nil, fmt.Errorf("audit.dsn is required for driver %q", cfg.Driver)
		}
		sink := audit.NewSQLSink(store.DB())
		if err := sink.Migrate(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
	return audit.OpenSQLSink(ctx, cfg.Driver, cfg.DSN)
}
