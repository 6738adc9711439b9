package kafka

import (
	"context"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Used when
// kafka.enabled is false.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

// PublishSecurityEvent logs the event type and outcome only.
func (p *StubPublisher) PublishSecurityEvent(_ context.Context, event domain.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("status", string(event.Status)),
		zap.Time("occurred_at", event.OccurredAt.UTC()),
	}
	if event.PrincipalID != nil {
		fields = append(fields, zap.String("principal_id", *event.PrincipalID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	p.logger.Debug("security event published", fields...)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
