package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/dispatch"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
)

// AuditJobPrefix prefixes the names of dispatcher jobs that write audit rows.
const AuditJobPrefix = "audit."

// JobSubmitter hands work to the background dispatcher without blocking.
type JobSubmitter interface {
	Submit(job dispatch.Job) bool
}

// RequestMeta is the client context recorded with sessions and audit events.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// AuditLog records security events without ever failing the operation that
// produced them.
type AuditLog struct {
	events    port.SecurityEventRepository
	publisher port.EventPublisher
	jobs      JobSubmitter
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// AuditOption configures the AuditLog.
type AuditOption func(*AuditLog)

// WithAuditPublisher mirrors every event to the message bus as well.
func WithAuditPublisher(p port.EventPublisher) AuditOption {
	return func(a *AuditLog) { a.publisher = p }
}

// WithAuditMetrics wires the dropped-event counter.
func WithAuditMetrics(m *telemetry.Metrics) AuditOption {
	return func(a *AuditLog) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithAuditLogger sets the logger.
func WithAuditLogger(l *zap.Logger) AuditOption {
	return func(a *AuditLog) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAuditClock overrides the time source.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditLog) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuditLog constructs an AuditLog. With a nil submitter events are
// written inline and failures are only logged.
func NewAuditLog(events port.SecurityEventRepository, jobs JobSubmitter, opts ...AuditOption) *AuditLog {
	a := &AuditLog{
		events:  events,
		jobs:    jobs,
		metrics: telemetry.NewNopMetrics(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record enqueues event for writing and returns immediately.
func (a *AuditLog) Record(ctx context.Context, event domain.SecurityEvent) {
	if a == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now()
	}
	event.Email = domain.NormalizeEmail(event.Email)

	log := logger.Enrich(ctx, a.logger)

	write := dispatch.Job{
		Name: AuditJobPrefix + strings.ToLower(string(event.Type)),
		Run: func(ctx context.Context) error {
			return a.events.Insert(ctx, event)
		},
	}

	if a.jobs == nil {
		if err := write.Run(context.WithoutCancel(ctx)); err != nil {
			log.Error("security event write failed", zap.String("event_type", string(event.Type)), zap.Error(err))
		}
	} else if !a.jobs.Submit(write) {
		a.metrics.AuditDropped.Inc()
		log.Warn("security event dropped", zap.String("event_type", string(event.Type)), zap.String("event_id", event.ID))
	}

	if a.publisher != nil && a.jobs != nil {
		a.jobs.Submit(dispatch.Job{
			Name: "publish." + strings.ToLower(string(event.Type)),
			Run: func(ctx context.Context) error {
				return a.publisher.PublishSecurityEvent(ctx, event)
			},
		})
	}
}

func securityEvent(eventType domain.SecurityEventType, status domain.SecurityEventStatus, principalID string, email string, meta RequestMeta) domain.SecurityEvent {
	event := domain.SecurityEvent{
		Type:      eventType,
		Status:    status,
		Email:     email,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	if principalID != "" {
		id := principalID
		event.PrincipalID = &id
	}
	return event
}

func (a *AuditLog) success(ctx context.Context, eventType domain.SecurityEventType, p domain.Principal, meta RequestMeta, details map[string]any) {
	event := securityEvent(eventType, domain.EventStatusSuccess, p.ID, p.Email, meta)
	event.Details = details
	a.Record(ctx, event)
}

func (a *AuditLog) failure(ctx context.Context, eventType domain.SecurityEventType, status domain.SecurityEventStatus, principalID, email, reason string, meta RequestMeta) {
	event := securityEvent(eventType, status, principalID, email, meta)
	event.Reason = reason
	a.Record(ctx, event)
}
