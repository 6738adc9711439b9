package domain

import "time"

// TwoFactorSecret is per-principal TOTP enrollment material. The secret is
// stored encrypted and backup codes are stored as hashes.
type TwoFactorSecret struct {
	PrincipalID      string
	EncryptedSecret  string
	BackupCodeHashes []string
	Enabled          bool
	VerifiedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ChallengeMethod tells the client which second factor is expected.
type ChallengeMethod string

const (
	ChallengeMethodEmail ChallengeMethod = "email"
	ChallengeMethodTOTP  ChallengeMethod = "totp"
)

// ChallengeState is the lifecycle position of a login challenge.
type ChallengeState string

const (
	ChallengeUnchallenged ChallengeState = "UNCHALLENGED"
	ChallengeCodeIssued   ChallengeState = "CODE_ISSUED"
	ChallengeVerified     ChallengeState = "VERIFIED"
	ChallengeExpired      ChallengeState = "EXPIRED"
	ChallengeLocked       ChallengeState = "LOCKED"
)

// LoginChallenge binds a one-time code to a principal and a login attempt.
type LoginChallenge struct {
	ID          string
	PrincipalID string
	Method      ChallengeMethod
	CodeHash    string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// State derives the challenge state at the supplied moment.
func (c LoginChallenge) State(at time.Time) ChallengeState {
	if c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts {
		return ChallengeLocked
	}
	if !at.Before(c.ExpiresAt) {
		return ChallengeExpired
	}
	return ChallengeCodeIssued
}
