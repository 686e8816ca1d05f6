package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters (RFC 6238 defaults understood by every authenticator app).
const (
	totpIssuer = "Tollgate"
	totpPeriod = 30
	totpSkew   = 1 // accepted steps either side of now
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// NewTOTPKey generates a random 160-bit secret for account. The key carries
// both the base32 secret and its otpauth:// enrolment URL.
func NewTOTPKey(account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return key, nil
}

// TOTPCode computes the code for secret at time t.
func TOTPCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, totpOpts)
	if err != nil {
		return "", fmt.Errorf("totp code: %w", err)
	}
	return code, nil
}

// MatchTOTP checks code against secret within one time step of t and
// returns the time step it belongs to. Callers use the step to refuse a
// code that has already been accepted.
func MatchTOTP(secret, code string, t time.Time) (step int64, ok bool) {
	code = strings.TrimSpace(code)
	current := t.Unix() / totpPeriod
	opts := hotp.ValidateOpts{Digits: totpOpts.Digits, Algorithm: totpOpts.Algorithm}
	for i := -totpSkew; i <= totpSkew; i++ {
		c := current + int64(i)
		if c < 0 {
			continue
		}
		valid, err := hotp.ValidateCustom(code, uint64(c), secret, opts)
		if err != nil {
			return 0, false
		}
		if valid {
			return c, true
		}
	}
	return 0, false
}

// ValidateTOTP reports whether code matches secret within one time step of t.
func ValidateTOTP(secret, code string, t time.Time) bool {
	_, ok := MatchTOTP(secret, code, t)
	return ok
}
