package port

import (
	"context"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

// TwoFactorRepository persists TOTP enrollment material.
type TwoFactorRepository interface {
	Get(ctx context.Context, principalID string) (*domain.TwoFactorSecret, error)
	Upsert(ctx context.Context, secret domain.TwoFactorSecret) error
	// ConsumeBackupCode atomically removes codeHash from the stored set and
	// reports whether it was present.
	ConsumeBackupCode(ctx context.Context, principalID string, codeHash string) (bool, error)
	ReplaceBackupCodes(ctx context.Context, principalID string, codeHashes []string, at time.Time) error
	Delete(ctx context.Context, principalID string) error
}

// ChallengeStore keeps login challenges in a store shared by all instances.
type ChallengeStore interface {
	Save(ctx context.Context, challenge domain.LoginChallenge) error
	Get(ctx context.Context, challengeID string) (*domain.LoginChallenge, error)
	// Settle applies one answer to the challenge as a single step against
	// the stored counter. A correct answer consumes the challenge and yields
	// ChallengeVerified to exactly one caller. A wrong answer counts an
	// attempt and yields ChallengeCodeIssued or ChallengeLocked. Challenges
	// past their expiry are removed and yield ChallengeExpired. Missing
	// challenges return repository.ErrNotFound.
	Settle(ctx context.Context, challengeID string, correct bool, at time.Time) (domain.ChallengeState, error)
	// Delete drops a challenge. Deleting a missing challenge is not an error.
	Delete(ctx context.Context, challengeID string) error
	// DeleteForPrincipal drops every open challenge of the principal.
	DeleteForPrincipal(ctx context.Context, principalID string) error
}

// ResetTokenStore keeps hashed single-use password reset tokens.
type ResetTokenStore interface {
	Save(ctx context.Context, tokenHash string, principalID string, ttl time.Duration) error
	// Consume returns the principal bound to tokenHash and deletes it.
	Consume(ctx context.Context, tokenHash string) (string, error)
}
