package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
	"github.com/lledo-industries/auth-core/internal/repository"
)

const (
	sessionIDBytes       = 32
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultTouchInterval = time.Minute
)

// MetadataDescriber turns raw client data into session metadata.
type MetadataDescriber interface {
	Describe(ip, userAgent string) domain.SessionMetadata
}

// SessionValidation is the result of a successful Validate.
type SessionValidation struct {
	SessionID      string
	PrincipalID    string
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// SessionRegistry owns the lifecycle of server-side sessions.
type SessionRegistry struct {
	sessions      port.SessionRepository
	describer     MetadataDescriber
	metrics       *telemetry.Metrics
	logger        *zap.Logger
	ttl           time.Duration
	touchInterval time.Duration
	now           func() time.Time
}

// SessionOption configures the registry.
type SessionOption func(*SessionRegistry)

// WithSessionTTL sets the fixed validity window of new sessions.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(r *SessionRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMetadataDescriber enables user agent and geo enrichment.
func WithMetadataDescriber(d MetadataDescriber) SessionOption {
	return func(r *SessionRegistry) { r.describer = d }
}

// WithSessionMetrics wires the revocation counter.
func WithSessionMetrics(m *telemetry.Metrics) SessionOption {
	return func(r *SessionRegistry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(r *SessionRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(r *SessionRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewSessionRegistry constructs a SessionRegistry.
func NewSessionRegistry(sessions port.SessionRepository, opts ...SessionOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions:      sessions,
		metrics:       telemetry.NewNopMetrics(),
		logger:        zap.NewNop(),
		ttl:           defaultSessionTTL,
		touchInterval: defaultTouchInterval,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the validity window applied to new sessions.
func (r *SessionRegistry) TTL() time.Duration {
	return r.ttl
}

// Create allocates an unpredictable id and persists a new session.
func (r *SessionRegistry) Create(ctx context.Context, principalID string, meta RequestMeta) (*domain.Session, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	id, err := security.GenerateSecureToken(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := r.now()
	metadata := domain.SessionMetadata{IP: meta.IP, UserAgent: meta.UserAgent}
	if r.describer != nil {
		metadata = r.describer.Describe(meta.IP, meta.UserAgent)
	}

	session := domain.Session{
		ID:             id,
		PrincipalID:    principalID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
		LastActivityAt: now,
		Metadata:       metadata,
	}

	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return &session, nil
}

// Validate returns ErrSessionInvalid when the session is missing, revoked or
// expired. Store failures wrap ErrSessionStore.
func (r *SessionRegistry) Validate(ctx context.Context, sessionID string) (*SessionValidation, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionInvalid
	}

	session, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionStore, err)
	}

	if !session.IsValid(r.now()) {
		return nil, ErrSessionInvalid
	}

	return &SessionValidation{
		SessionID:      session.ID,
		PrincipalID:    session.PrincipalID,
		ExpiresAt:      session.ExpiresAt,
		LastActivityAt: session.LastActivityAt,
	}, nil
}

// Revoke flips the revoked flag. Missing or already revoked sessions are a no-op.
func (r *SessionRegistry) Revoke(ctx context.Context, sessionID string, reason string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	if reason == "" {
		reason = domain.RevokeReasonLogout
	}

	changed, err := r.sessions.Revoke(ctx, sessionID, reason, r.now())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if changed {
		r.metrics.SessionsRevoked.WithLabelValues(reason).Inc()
	}
	return nil
}

// RevokeForPrincipal revokes one session after checking it belongs to principalID.
func (r *SessionRegistry) RevokeForPrincipal(ctx context.Context, principalID, sessionID, reason string) error {
	session, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	if session.PrincipalID != principalID {
		return ErrSessionForbidden
	}
	return r.Revoke(ctx, sessionID, reason)
}

// RevokeAllExcept revokes every live session of the principal except
// keepSessionID. An empty keepSessionID revokes them all.
func (r *SessionRegistry) RevokeAllExcept(ctx context.Context, principalID, keepSessionID, reason string) (int, error) {
	if strings.TrimSpace(principalID) == "" {
		return 0, fmt.Errorf("principal id is required")
	}
	if reason == "" {
		reason = domain.RevokeReasonKillOthers
	}

	count, err := r.sessions.RevokeAllExcept(ctx, principalID, keepSessionID, reason, r.now())
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	if count > 0 {
		r.metrics.SessionsRevoked.WithLabelValues(reason).Add(float64(count))
	}
	return count, nil
}

// ListActive returns the principal's live sessions, most recently used first.
func (r *SessionRegistry) ListActive(ctx context.Context, principalID string) ([]domain.Session, error) {
	sessions, err := r.sessions.ListActive(ctx, principalID, r.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Touch records activity when the last recorded activity is older than the
// touch interval. Errors are logged, not returned.
func (r *SessionRegistry) Touch(ctx context.Context, v *SessionValidation) {
	if v == nil {
		return
	}
	now := r.now()
	if now.Sub(v.LastActivityAt) < r.touchInterval {
		return
	}
	if err := r.sessions.Touch(ctx, v.SessionID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.logger.Warn("session touch failed", zap.Error(err))
	}
}

// PurgeExpired deletes sessions that expired before the supplied moment.
func (r *SessionRegistry) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	count, err := r.sessions.PurgeExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return count, nil
}

// RunPurger deletes sessions expired for longer than retention every
// interval until ctx is cancelled.
func (r *SessionRegistry) RunPurger(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := r.PurgeExpired(ctx, r.now().Add(-retention))
			if err != nil {
				r.logger.Error("session purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				r.logger.Info("expired sessions purged", zap.Int("count", purged))
			}
		}
	}
}
