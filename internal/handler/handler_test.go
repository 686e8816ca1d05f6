package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tollgatehq/tollgate/internal/audit"
	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/service"
)

const (
	testJWTSecret = "test-secret-for-handler-tests"
	testPassword  = "supersecretpassword"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	authSvc  *service.AuthService
	sessions *service.SessionService
	sink     *audit.SQLSink
	router   chi.Router
	org      *model.Organization
	user     *model.User

	// principal is what the test middleware puts on every request in
	// place of the authorization pipeline.
	principal model.Principal
}

// newTestEnv creates a fresh test environment with an in-memory config
// store, a seeded organization and owner, and a Chi router with every
// handler mounted behind a middleware that injects env.principal.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink, err := audit.OpenSQLSink(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("audit.OpenSQLSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	authSvc := service.NewAuthService(store, testJWTSecret)
	sessions := service.NewSessionService(store, authSvc, time.Hour)
	env := &testEnv{store: store, authSvc: authSvc, sessions: sessions, sink: sink}
	env.seed(t)

	auth := NewAuthHandler(sessions, time.Hour)
	users := NewUserHandler(store, sessions)
	orgs := NewOrganizationHandler(store)
	keys := NewAPIKeyHandler(service.NewKeyService(store))
	logs := NewAuditHandler(sink)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), env.principal)))
		})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/session", auth.Login)
		r.Delete("/auth/session", auth.Logout)
		r.Post("/auth/2fa/verify", auth.VerifyTwoFactor)
		r.Get("/auth/whoami", auth.Whoami)

		r.Get("/users/{userId}", users.GetUser)
		r.Post("/users/{userId}/2fa", users.EnableTwoFactor)
		r.Get("/users/{userId}/sessions", users.ListSessions)
		r.Delete("/users/{userId}/sessions/{sessionId}", users.RevokeSession)

		r.Get("/organizations/{orgId}", orgs.GetOrganization)
		r.Get("/organizations/{orgId}/members", orgs.ListMembers)
		r.Post("/organizations/{orgId}/members", orgs.AddMember)
		r.Get("/organizations/{orgId}/subnets", orgs.ListSubnets)
		r.Post("/organizations/{orgId}/subnets", orgs.CreateSubnet)
		r.Delete("/organizations/{orgId}/subnets/{subnetId}", orgs.DeleteSubnet)

		r.Get("/organizations/{orgId}/api-keys", keys.ListAPIKeys)
		r.Post("/organizations/{orgId}/api-keys", keys.CreateAPIKey)
		r.Delete("/organizations/{orgId}/api-keys/{keyId}", keys.RevokeAPIKey)

		r.Get("/organizations/{orgId}/audit-logs", logs.ListAuditLogs)
	})
	env.router = r
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	e.org = &model.Organization{Name: "Acme"}
	if err := e.store.CreateOrganization(ctx, e.org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	e.user = &model.User{Email: "owner@example.com", PasswordHash: string(hash), Name: "Owner", IsActive: true}
	if err := e.store.CreateUser(ctx, e.user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	m := &model.Membership{UserID: e.user.ID, OrganizationID: e.org.ID, Role: model.RoleOwner}
	if err := e.store.AddMembership(ctx, m); err != nil {
		t.Fatalf("AddMembership: %v", err)
	}
}

// login performs a password login and sets env.principal to the resolved
// session principal.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/auth/session", toJSON(t, map[string]string{
		"email":    "owner@example.com",
		"password": testPassword,
	}))
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	p, err := e.authSvc.Resolve(context.Background(), service.Credentials{BearerToken: resp.Token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	e.principal = p
	return resp.Token
}

// do sends a request through the router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "10.0.0.1:5555"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// toJSON marshals v to a JSON reader, failing the test on error.
func toJSON(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewReader(b)
}

// decodeJSON decodes the response body into v, failing the test on error.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("json.Unmarshal: %v\nbody: %s", err, rr.Body.String())
	}
}

// assertStatus fails the test if the response status does not match.
func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d\nbody: %s", rr.Code, want, rr.Body.String())
	}
}

// assertErrorMessage fails the test if the error envelope is missing.
func assertErrorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != rr.Code {
		t.Errorf("error.code = %d, want %d", resp.Error.Code, rr.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error.message")
	}
	return resp.Error.Message
}
