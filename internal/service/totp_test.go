package service

import (
	"strings"
	"testing"
	"time"
)

// Secret "12345678901234567890" from RFC 6238 appendix B, base32 encoded.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPCodeRFCVectors(t *testing.T) {
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tt := range tests {
		got, err := TOTPCode(rfcSecret, time.Unix(tt.unix, 0))
		if err != nil {
			t.Fatalf("TOTPCode: %v", err)
		}
		if got != tt.want {
			t.Errorf("TOTPCode(T=%d) = %s, want %s", tt.unix, got, tt.want)
		}
	}
}

func TestValidateTOTPSkew(t *testing.T) {
	now := time.Unix(1234567890, 0)
	code, _ := TOTPCode(rfcSecret, now)

	if !ValidateTOTP(rfcSecret, code, now) {
		t.Error("current code rejected")
	}
	if !ValidateTOTP(rfcSecret, code, now.Add(30*time.Second)) {
		t.Error("code from the previous step should be accepted")
	}
	if ValidateTOTP(rfcSecret, code, now.Add(90*time.Second)) {
		t.Error("code three steps old should be rejected")
	}
	if ValidateTOTP(rfcSecret, "12345", now) || ValidateTOTP("!!!", code, now) {
		t.Error("malformed input should be rejected")
	}
}

func TestMatchTOTPReportsStep(t *testing.T) {
	now := time.Unix(1234567890, 0)
	prev, _ := TOTPCode(rfcSecret, now.Add(-30*time.Second))
	step, ok := MatchTOTP(rfcSecret, prev, now)
	if !ok || step != now.Unix()/30-1 {
		t.Errorf("MatchTOTP(previous code) = %d, %v; want step %d", step, ok, now.Unix()/30-1)
	}
	if _, ok := MatchTOTP(rfcSecret, " "+prev+" ", now); !ok {
		t.Error("surrounding whitespace should be ignored")
	}
}

func TestNewTOTPKey(t *testing.T) {
	a, err := NewTOTPKey("ada@example.com")
	if err != nil {
		t.Fatalf("NewTOTPKey: %v", err)
	}
	b, _ := NewTOTPKey("ada@example.com")
	if a.Secret() == b.Secret() || len(a.Secret()) != 32 {
		t.Errorf("secrets %q %q", a.Secret(), b.Secret())
	}
	if a.Issuer() != "Tollgate" || a.AccountName() != "ada@example.com" {
		t.Errorf("issuer %q account %q", a.Issuer(), a.AccountName())
	}
	if !strings.HasPrefix(a.URL(), "otpauth://totp/") || !strings.Contains(a.URL(), "secret="+a.Secret()) {
		t.Errorf("url = %q", a.URL())
	}
	code, err := TOTPCode(a.Secret(), time.Now())
	if err != nil || !ValidateTOTP(a.Secret(), code, time.Now()) {
		t.Errorf("generated secret does not round-trip: %q %v", code, err)
	}
	if _, err := NewTOTPKey(""); err == nil {
		t.Error("expected an empty account name to be rejected")
	}
}
