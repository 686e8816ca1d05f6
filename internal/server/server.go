package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/handler"
	"github.com/tollgatehq/tollgate/internal/metrics"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/openapi"
	"github.com/tollgatehq/tollgate/internal/server/middleware"
	"github.com/tollgatehq/tollgate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	MaxBodySize     int64 // bytes
	LoginPerMinute  int
	Version         string

	// TrustProxy takes the client address from X-Forwarded-For or
	// X-Real-IP. Only enable it behind a proxy that overwrites them, since
	// subnet rules match on this address.
	TrustProxy bool
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		CORSMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		MaxBodySize:     1 << 20,
		LoginPerMinute:  10,
		Version:         "dev",
	}
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store      *config.Store
	Pipeline   *authz.Pipeline
	Sessions   *service.SessionService
	Keys       *service.KeyService
	AuditLog   handler.AuditLog
	SessionTTL time.Duration
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
	Ready      []Check
}

// Server is the top-level HTTP server for Tollgate. Every API route is
// mounted behind the authorization pipeline.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	routes     []authz.Route
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("server: store is required")
	case deps.Pipeline == nil:
		return nil, errors.New("server: authorization pipeline is required")
	case deps.Sessions == nil || deps.Keys == nil:
		return nil, errors.New("server: session and key services are required")
	case deps.AuditLog == nil:
		return nil, errors.New("server: audit log is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.routes = s.apiRoutes()
	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   s.cfg.CORSMethods,
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.deps.Pipeline.APIKeyHeader(), "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "WWW-Authenticate"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}
	r.Use(s.deps.Metrics.Instrument)

	// --- Probes and documents (outside the pipeline) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.deps.Gatherer))
	}

	Register(r, s.deps.Pipeline, s.routes)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	s.router = r
}

// Register mounts each route behind its own guard. Route middlewares run
// before the pipeline so limits such as the login limiter apply to
// requests the pipeline would also reject.
func Register(r chi.Router, p *authz.Pipeline, routes []authz.Route) {
	for _, rt := range routes {
		r.With(rt.Middlewares...).Method(rt.Method, rt.Pattern, p.Guard(rt)(rt.Handler))
	}
}

// Routes returns the API route table the server enforces.
func (s *Server) Routes() []authz.Route {
	out := make([]authz.Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the config store and
// every registered dependency answer a ping, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	probes := append([]Check{{Name: "store", Ping: s.deps.Store.Ping}}, s.deps.Ready...)
	for _, c := range probes {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "check", c.Name, "error", err)
			checks[c.Name] = "unavailable"
			status = "degraded"
			continue
		}
		checks[c.Name] = "ok"
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleOpenAPI serves the document generated from the route table.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := openapi.Generate(s.routes, openapi.Info{
		Version:      s.cfg.Version,
		APIKeyHeader: s.deps.Pipeline.APIKeyHeader(),
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.ErrorContext(r.Context(), "encode openapi document", "error", err)
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
// It then performs a graceful shutdown, draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: msg},
	})
}
