package authz

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tollgatehq/tollgate/internal/server/middleware"
)

// Route is one entry of the route table. The authorization requirements of
// an endpoint live next to its handler instead of in per-handler checks.
type Route struct {
	Method  string
	Pattern string

	// Scope is a scope template such as "organization-{orgId}:read-info".
	// Placeholders are filled from URL parameters. Empty means no scope
	// check.
	Scope string

	// Sensitive routes require a recent second-factor verification.
	Sensitive bool

	// Authenticated routes reject anonymous callers even when Scope is
	// empty. A route with a Scope is always authenticated.
	Authenticated bool

	// Cost is the number of rate limit tokens a request consumes.
	// Values below one are treated as one.
	Cost int

	Summary     string
	Tag         string
	Middlewares []func(http.Handler) http.Handler
	Handler     http.HandlerFunc
}

// Public reports whether anonymous callers may reach the route.
func (rt Route) Public() bool {
	return rt.Scope == "" && !rt.Authenticated
}

// action is the audited action name: the action part of the scope template,
// or the method and pattern for unscoped routes.
func (rt Route) action() string {
	if i := strings.LastIndexByte(rt.Scope, ':'); i >= 0 {
		return rt.Scope[i+1:]
	}
	return rt.Method + " " + rt.Pattern
}

// Request is the transport-independent view of an incoming call that the
// pipeline decides on.
type Request struct {
	BearerToken string
	APIKey      string
	Addr        netip.Addr
	UserAgent   string
	RequestID   string
	Method      string
	Path        string

	// Param returns a named path parameter, or "" when absent.
	Param func(name string) string
}

func (r Request) param(name string) string {
	if r.Param == nil {
		return ""
	}
	return r.Param(name)
}

// RequestFromHTTP extracts a Request from r. The API key is read from
// apiKeyHeader and the bearer token from the Authorization header.
func RequestFromHTTP(r *http.Request, apiKeyHeader string) Request {
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	return Request{
		BearerToken: bearerToken(r.Header.Get("Authorization")),
		APIKey:      strings.TrimSpace(r.Header.Get(apiKeyHeader)),
		Addr:        ClientAddr(r.RemoteAddr),
		UserAgent:   r.UserAgent(),
		RequestID:   middleware.GetRequestID(r.Context()),
		Method:      r.Method,
		Path:        r.URL.Path,
		Param:       func(name string) string { return chi.URLParam(r, name) },
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ClientAddr parses a RemoteAddr value. It accepts both "ip:port" and a bare
// ip, which is what RealIP leaves behind. Unparseable input yields the zero
// Addr.
func ClientAddr(s string) netip.Addr {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}
