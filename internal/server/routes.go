package server

import (
	"net/http"

	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/handler"
	"github.com/tollgatehq/tollgate/internal/server/middleware"
)

const apiPrefix = "/api/v1"

// apiRoutes is the route table. Each entry carries the scope, step-up and
// rate cost its handler needs, and the pipeline enforces them uniformly.
func (s *Server) apiRoutes() []authz.Route {
	auth := handler.NewAuthHandler(s.deps.Sessions, s.deps.SessionTTL)
	users := handler.NewUserHandler(s.deps.Store, s.deps.Sessions)
	orgs := handler.NewOrganizationHandler(s.deps.Store)
	keys := handler.NewAPIKeyHandler(s.deps.Keys)
	logs := handler.NewAuditHandler(s.deps.AuditLog)

	var loginLimit []func(http.Handler) http.Handler
	if s.cfg.LoginPerMinute > 0 {
		loginLimit = append(loginLimit, middleware.LoginLimit(s.cfg.LoginPerMinute))
	}

	routes := []authz.Route{
		// Sessions
		{Method: http.MethodPost, Pattern: "/auth/session", Cost: 5, Middlewares: loginLimit,
			Summary: "Log in with email and password", Tag: "auth", Handler: auth.Login},
		{Method: http.MethodDelete, Pattern: "/auth/session", Authenticated: true,
			Summary: "Log out the calling session", Tag: "auth", Handler: auth.Logout},
		{Method: http.MethodPost, Pattern: "/auth/2fa/verify", Authenticated: true, Cost: 5,
			Summary: "Verify a TOTP code for the calling session", Tag: "auth", Handler: auth.VerifyTwoFactor},
		{Method: http.MethodGet, Pattern: "/auth/whoami", Authenticated: true,
			Summary: "Describe the calling principal", Tag: "auth", Handler: auth.Whoami},

		// Users
		{Method: http.MethodGet, Pattern: "/users/{userId}", Scope: "user-{userId}:read-info",
			Summary: "Get a user", Tag: "users", Handler: users.GetUser},
		{Method: http.MethodPost, Pattern: "/users/{userId}/2fa", Scope: "user-{userId}:write-2fa",
			Summary: "Enrol a user in two-factor authentication", Tag: "users", Handler: users.EnableTwoFactor},
		{Method: http.MethodGet, Pattern: "/users/{userId}/sessions", Scope: "user-{userId}:read-sessions",
			Summary: "List a user's sessions", Tag: "users", Handler: users.ListSessions},
		{Method: http.MethodDelete, Pattern: "/users/{userId}/sessions/{sessionId}", Scope: "user-{userId}:delete-sessions", Sensitive: true,
			Summary: "Revoke a session", Tag: "users", Handler: users.RevokeSession},

		// Organizations
		{Method: http.MethodGet, Pattern: "/organizations/{orgId}", Scope: "organization-{orgId}:read-info",
			Summary: "Get an organization", Tag: "organizations", Handler: orgs.GetOrganization},
		{Method: http.MethodGet, Pattern: "/organizations/{orgId}/members", Scope: "organization-{orgId}:read-members",
			Summary: "List members", Tag: "organizations", Handler: orgs.ListMembers},
		{Method: http.MethodPost, Pattern: "/organizations/{orgId}/members", Scope: "organization-{orgId}:write-members", Sensitive: true,
			Summary: "Add a member", Tag: "organizations", Handler: orgs.AddMember},

		// API keys
		{Method: http.MethodGet, Pattern: "/organizations/{orgId}/api-keys", Scope: "organization-{orgId}:read-api-keys",
			Summary: "List API keys", Tag: "api-keys", Handler: keys.ListAPIKeys},
		{Method: http.MethodPost, Pattern: "/organizations/{orgId}/api-keys", Scope: "organization-{orgId}:write-api-keys", Sensitive: true,
			Summary: "Create an API key", Tag: "api-keys", Handler: keys.CreateAPIKey},
		{Method: http.MethodDelete, Pattern: "/organizations/{orgId}/api-keys/{keyId}", Scope: "organization-{orgId}:delete-api-keys", Sensitive: true,
			Summary: "Revoke an API key", Tag: "api-keys", Handler: keys.RevokeAPIKey},

		// Subnet rules
		{Method: http.MethodGet, Pattern: "/organizations/{orgId}/subnets", Scope: "organization-{orgId}:read-subnets",
			Summary: "List subnet rules", Tag: "subnets", Handler: orgs.ListSubnets},
		{Method: http.MethodPost, Pattern: "/organizations/{orgId}/subnets", Scope: "organization-{orgId}:write-subnets", Sensitive: true,
			Summary: "Add a subnet rule", Tag: "subnets", Handler: orgs.CreateSubnet},
		{Method: http.MethodDelete, Pattern: "/organizations/{orgId}/subnets/{subnetId}", Scope: "organization-{orgId}:delete-subnets", Sensitive: true,
			Summary: "Remove a subnet rule", Tag: "subnets", Handler: orgs.DeleteSubnet},

		// Audit
		{Method: http.MethodGet, Pattern: "/organizations/{orgId}/audit-logs", Scope: "organization-{orgId}:read-audit-logs",
			Summary: "Page through the audit trail", Tag: "audit", Handler: logs.ListAuditLogs},
	}
	for i := range routes {
		routes[i].Pattern = apiPrefix + routes[i].Pattern
	}
	return routes
}
