package port

import (
	"context"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

// PrincipalRepository exposes persistence behavior for principals.
type PrincipalRepository interface {
	Create(ctx context.Context, principal domain.Principal) error
	GetByID(ctx context.Context, id string) (*domain.Principal, error)
	GetByEmail(ctx context.Context, email string) (*domain.Principal, error)
	UpdatePassword(ctx context.Context, id string, passwordHash string, changedAt time.Time) error
	UpdateRole(ctx context.Context, id string, role domain.Role, company *string) error
	Deactivate(ctx context.Context, id string, at time.Time) error
	// RecordLoginFailure increments the failure counter, applies lockedUntil
	// when non-nil and returns the new counter value.
	RecordLoginFailure(ctx context.Context, id string, lockedUntil *time.Time) (int, error)
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
}
