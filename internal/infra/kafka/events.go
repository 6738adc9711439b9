package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/config"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
)

const (
	schemaVersion       = "1.0"
	securityEventsTopic = "security-events"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	PrincipalID string           `json:"principal_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Version     string           `json:"version"`
	Payload     any              `json:"payload"`
	Metadata    envelopeMetadata `json:"metadata,omitempty"`
}

type securityEventPayload struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Email   string         `json:"email,omitempty"`
	IP      string         `json:"ip,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// PublishSecurityEvent mirrors one audit record to <prefix>.security-events.
// Contact data is masked before it leaves the service.
func (p *EventPublisher) PublishSecurityEvent(ctx context.Context, event domain.SecurityEvent) error {
	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}

	principalID := ""
	if event.PrincipalID != nil {
		principalID = *event.PrincipalID
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			metadata["trace_id"] = sc.TraceID().String()
		}
	}

	envelope := eventEnvelope{
		EventID:     id,
		EventType:   string(event.Type),
		PrincipalID: principalID,
		Timestamp:   ts.UTC(),
		Version:     schemaVersion,
		Payload: securityEventPayload{
			Status:  string(event.Status),
			Reason:  event.Reason,
			Email:   logger.MaskEmail(event.Email),
			IP:      logger.MaskIP(event.IP),
			Details: event.Details,
		},
		Metadata: metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(securityEventsTopic),
		Value: sarama.ByteEncoder(bytes),
	}
	if principalID != "" {
		message.Key = sarama.StringEncoder(principalID)
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.EventPublisher = (*EventPublisher)(nil)
