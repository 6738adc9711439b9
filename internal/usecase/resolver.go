package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
)

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (*security.AccessClaims, error)
}

// ResolvedVia names the credential that authenticated a request.
type ResolvedVia string

const (
	ViaNone    ResolvedVia = "none"
	ViaToken   ResolvedVia = "token"
	ViaSession ResolvedVia = "session"
)

// Credentials are the raw credentials extracted from a request.
type Credentials struct {
	Token     string
	SessionID string
}

// Resolution is the authenticated identity of a request. The zero value is anonymous.
type Resolution struct {
	Authenticated bool
	PrincipalID   string
	Email         string
	Role          domain.Role
	Company       string
	SessionID     string
	Via           ResolvedVia
}

// Anonymous is returned whenever no credential could be trusted.
var Anonymous = Resolution{Via: ViaNone}

// IsAdmin reports whether the request carries an authenticated ADMIN principal.
func (r Resolution) IsAdmin() bool {
	return r.Authenticated && r.Role == domain.RoleAdmin
}

// PrincipalResolver decides who is making a request from a bearer token and
// a session cookie.
type PrincipalResolver struct {
	tokens     TokenVerifier
	sessions   *SessionRegistry
	principals port.PrincipalRepository
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

// ResolverOption configures the resolver.
type ResolverOption func(*PrincipalResolver)

// WithResolverMetrics wires the disagreement counter.
func WithResolverMetrics(m *telemetry.Metrics) ResolverOption {
	return func(r *PrincipalResolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *PrincipalResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewPrincipalResolver constructs a PrincipalResolver.
func NewPrincipalResolver(tokens TokenVerifier, sessions *SessionRegistry, principals port.PrincipalRepository, opts ...ResolverOption) *PrincipalResolver {
	r := &PrincipalResolver{
		tokens:     tokens,
		sessions:   sessions,
		principals: principals,
		metrics:    telemetry.NewNopMetrics(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the identity behind creds. A valid token bound to a live
// session wins. Otherwise the session cookie is checked. Any failure,
// including store outages, yields Anonymous.
func (r *PrincipalResolver) Resolve(ctx context.Context, creds Credentials) Resolution {
	log := logger.Enrich(ctx, r.logger)

	fromToken, ok := r.resolveToken(ctx, creds.Token, log)
	if ok {
		if creds.SessionID != "" {
			r.compareWithSession(ctx, fromToken, creds.SessionID, log)
		}
		return fromToken
	}

	if creds.SessionID == "" {
		return Anonymous
	}
	fromSession, ok := r.resolveSession(ctx, creds.SessionID, log)
	if !ok {
		return Anonymous
	}
	return fromSession
}

func (r *PrincipalResolver) resolveToken(ctx context.Context, raw string, log *zap.Logger) (Resolution, bool) {
	if raw == "" || r.tokens == nil {
		return Anonymous, false
	}

	claims, err := r.tokens.Verify(raw)
	if err != nil {
		log.Debug("bearer token rejected", zap.Error(err))
		return Anonymous, false
	}
	if claims.SessionID == "" {
		log.Debug("bearer token without session binding rejected")
		return Anonymous, false
	}

	validation, err := r.sessions.Validate(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionStore) {
			log.Error("session store unavailable while checking token", zap.Error(err))
		}
		return Anonymous, false
	}
	if validation.PrincipalID != claims.PrincipalID() {
		log.Warn("bearer token bound to a session of another principal",
			zap.String("principal_id", claims.PrincipalID()),
		)
		return Anonymous, false
	}
	r.sessions.Touch(ctx, validation)

	return Resolution{
		Authenticated: true,
		PrincipalID:   claims.PrincipalID(),
		Email:         claims.Email,
		Role:          claims.Role,
		Company:       claims.Company,
		SessionID:     claims.SessionID,
		Via:           ViaToken,
	}, true
}

func (r *PrincipalResolver) resolveSession(ctx context.Context, sessionID string, log *zap.Logger) (Resolution, bool) {
	validation, err := r.sessions.Validate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionStore) {
			log.Error("session store unavailable", zap.Error(err))
		}
		return Anonymous, false
	}

	principal, err := r.principals.GetByID(ctx, validation.PrincipalID)
	if err != nil {
		log.Error("load session principal failed",
			zap.String("principal_id", validation.PrincipalID),
			zap.Error(err),
		)
		return Anonymous, false
	}
	if !principal.IsActive {
		return Anonymous, false
	}
	r.sessions.Touch(ctx, validation)

	return Resolution{
		Authenticated: true,
		PrincipalID:   principal.ID,
		Email:         principal.Email,
		Role:          principal.Role,
		Company:       principal.CompanyName(),
		SessionID:     validation.SessionID,
		Via:           ViaSession,
	}, true
}

// compareWithSession counts requests whose session cookie names a different
// identity than the token. When both point at the same session the token's
// claims are checked against the stored principal instead.
func (r *PrincipalResolver) compareWithSession(ctx context.Context, fromToken Resolution, sessionID string, log *zap.Logger) {
	var (
		fromSession Resolution
		ok          bool
	)
	if sessionID == fromToken.SessionID {
		fromSession, ok = r.currentPrincipal(ctx, fromToken.PrincipalID, log)
	} else {
		fromSession, ok = r.resolveSession(ctx, sessionID, log)
	}
	if !ok {
		return
	}
	if fromSession.PrincipalID == fromToken.PrincipalID && fromSession.Role == fromToken.Role {
		return
	}

	r.metrics.ResolverDisagreements.Inc()
	log.Warn("token and session cookie disagree, using token",
		zap.String("token_principal_id", fromToken.PrincipalID),
		zap.String("session_principal_id", fromSession.PrincipalID),
		zap.String("token_role", string(fromToken.Role)),
		zap.String("session_role", string(fromSession.Role)),
	)
}

func (r *PrincipalResolver) currentPrincipal(ctx context.Context, principalID string, log *zap.Logger) (Resolution, bool) {
	principal, err := r.principals.GetByID(ctx, principalID)
	if err != nil {
		log.Debug("load token principal failed",
			zap.String("principal_id", principalID),
			zap.Error(err),
		)
		return Anonymous, false
	}
	return Resolution{PrincipalID: principal.ID, Role: principal.Role}, true
}
