package port

import (
	"context"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

// EventPublisher mirrors security events to the message bus.
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, event domain.SecurityEvent) error
}

// Notifier delivers out-of-band messages. Implementations must not panic on
// delivery failure; errors are returned for retry.
type Notifier interface {
	SendLoginCode(ctx context.Context, email string, code string) error
	SendPasswordReset(ctx context.Context, email string, resetURL string) error
	SendPasswordChanged(ctx context.Context, email string) error
}
