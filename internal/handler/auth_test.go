package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/service"
)

func TestLogin_ValidCredentials(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/auth/session", toJSON(t, map[string]string{
		"email":    "OWNER@example.com",
		"password": testPassword,
	}))
	assertStatus(t, rr, http.StatusOK)

	var resp loginResponse
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Error("expected non-empty session_token")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.UserID != env.user.ID || resp.OrganizationID != env.org.ID {
		t.Errorf("user/org = %d/%d, want %d/%d", resp.UserID, resp.OrganizationID, env.user.ID, env.org.ID)
	}
	if resp.TwoFactorVerified {
		t.Error("password-only login should not be two-factor verified")
	}

	sess, err := env.store.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.IPAddress != "10.0.0.1" {
		t.Errorf("session ip = %q, want 10.0.0.1", sess.IPAddress)
	}
}

func TestLogin_Failures(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"wrong password", `{"email":"owner@example.com","password":"nope"}`, http.StatusUnauthorized},
		{"unknown email", `{"email":"ghost@example.com","password":"x"}`, http.StatusUnauthorized},
		{"foreign organization", `{"email":"owner@example.com","password":"` + testPassword + `","organization_id":999}`, http.StatusUnauthorized},
		{"missing password", `{"email":"owner@example.com"}`, http.StatusBadRequest},
		{"unknown field", `{"email":"owner@example.com","password":"x","admin":true}`, http.StatusBadRequest},
		{"not json", `email=owner`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/auth/session", strings.NewReader(tt.body))
			assertStatus(t, rr, tt.status)
			msg := assertErrorMessage(t, rr)
			if tt.status == http.StatusUnauthorized && msg != "Invalid credentials" {
				t.Errorf("message = %q, want a generic message", msg)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rr := env.do(t, "DELETE", "/api/v1/auth/session", nil)
	assertStatus(t, rr, http.StatusOK)

	_, err := env.authSvc.Resolve(context.Background(), service.Credentials{BearerToken: token})
	if !errors.Is(err, service.ErrRevokedCredential) {
		t.Errorf("token after logout: err = %v, want ErrRevokedCredential", err)
	}
}

func TestLogout_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	env.principal = model.Principal{ID: "service:ci", Kind: model.KindService}
	rr := env.do(t, "DELETE", "/api/v1/auth/session", nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestTwoFactorEnrolAndVerify(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	path := fmt.Sprintf("/api/v1/users/%d/2fa", env.user.ID)

	rr := env.do(t, "POST", path, nil)
	assertStatus(t, rr, http.StatusCreated)
	var enrol struct {
		Secret string `json:"secret"`
		URL    string `json:"otpauth_url"`
	}
	decodeJSON(t, rr, &enrol)
	if enrol.Secret == "" || !strings.HasPrefix(enrol.URL, "otpauth://totp/") {
		t.Fatalf("enrolment = %+v", enrol)
	}

	// Enrolling again would silently replace the secret.
	rr = env.do(t, "POST", path, nil)
	assertStatus(t, rr, http.StatusConflict)

	rr = env.do(t, "POST", "/api/v1/auth/2fa/verify", toJSON(t, map[string]string{"code": "000000x"}))
	assertStatus(t, rr, http.StatusUnauthorized)

	code, err := service.TOTPCode(enrol.Secret, time.Now())
	if err != nil {
		t.Fatalf("TOTPCode: %v", err)
	}
	rr = env.do(t, "POST", "/api/v1/auth/2fa/verify", toJSON(t, map[string]string{"code": code}))
	assertStatus(t, rr, http.StatusOK)

	p, err := env.authSvc.Resolve(context.Background(), service.Credentials{BearerToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.TwoFactorVerifiedAt == nil {
		t.Error("session should be two-factor verified after verify")
	}
}

func TestVerifyTwoFactor_NotEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)
	rr := env.do(t, "POST", "/api/v1/auth/2fa/verify", toJSON(t, map[string]string{"code": "123456"}))
	assertStatus(t, rr, http.StatusConflict)
}

func TestLogin_WithTOTPCode(t *testing.T) {
	env := newTestEnv(t)
	secret, _, err := env.sessions.EnableTwoFactor(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("EnableTwoFactor: %v", err)
	}
	code, err := service.TOTPCode(secret, time.Now())
	if err != nil {
		t.Fatalf("TOTPCode: %v", err)
	}
	rr := env.do(t, "POST", "/api/v1/auth/session", toJSON(t, map[string]string{
		"email":     "owner@example.com",
		"password":  testPassword,
		"totp_code": code,
	}))
	assertStatus(t, rr, http.StatusOK)
	var resp loginResponse
	decodeJSON(t, rr, &resp)
	if !resp.TwoFactorVerified {
		t.Error("login with a valid code should start verified")
	}
}

func TestWhoami(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rr := env.do(t, "GET", "/api/v1/auth/whoami", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp whoamiResponse
	decodeJSON(t, rr, &resp)
	if resp.ID != fmt.Sprintf("user:%d", env.user.ID) || resp.Kind != string(model.KindSession) {
		t.Errorf("whoami = %+v", resp)
	}
	if len(resp.Scopes) == 0 {
		t.Error("session principal should carry scopes")
	}
}
