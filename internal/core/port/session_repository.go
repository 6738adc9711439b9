package port

import (
	"context"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

// SessionRepository deals with session storage.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) error
	GetByID(ctx context.Context, sessionID string) (*domain.Session, error)
	// Revoke reports whether a row changed; missing or already revoked
	// sessions return false without error.
	Revoke(ctx context.Context, sessionID string, reason string, at time.Time) (bool, error)
	RevokeAllExcept(ctx context.Context, principalID string, keepSessionID string, reason string, at time.Time) (int, error)
	ListActive(ctx context.Context, principalID string, at time.Time) ([]domain.Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}
