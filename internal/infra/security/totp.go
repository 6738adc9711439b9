package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrMissingSecret is returned when secret is empty.
var ErrMissingSecret = errors.New("totp secret is required")

const (
	totpPeriod = 30
	totpSkew   = 1
)

// TOTPEnrollment is the material shown once to the user during setup.
type TOTPEnrollment struct {
	Secret string
	URL    string
}

// TOTPProvider generates and validates RFC 6238 codes compatible with
// common authenticator apps (SHA1, 6 digits, 30s).
type TOTPProvider struct {
	issuer string
	now    func() time.Time
}

// NewTOTPProvider returns a provider that labels enrollments with issuer.
func NewTOTPProvider(issuer string, now func() time.Time) *TOTPProvider {
	if now == nil {
		now = time.Now
	}
	return &TOTPProvider{issuer: issuer, now: now}
}

// Generate creates a new shared secret for accountName.
func (p *TOTPProvider) Generate(accountName string) (TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("totp: generate: %w", err)
	}
	return TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Validate reports whether code matches secret within one period of skew.
func (p *TOTPProvider) Validate(code, secret string) (bool, error) {
	if secret == "" {
		return false, ErrMissingSecret
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, p.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("totp: validate: %w", err)
	}
	return ok, nil
}
