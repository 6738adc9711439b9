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
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
	"github.com/lledo-industries/auth-core/internal/repository"
)

const (
	loginStepPassword     = "password"
	loginStepSecondFactor = "second_factor"
)

// TokenIssuer signs bearer tokens.
type TokenIssuer interface {
	Issue(claims security.AccessClaims, ttl time.Duration) (string, error)
}

// LoginInput is the first-factor request. Audience restricts which role may
// use the entry point; empty accepts any role.
type LoginInput struct {
	Email    string
	Password string
	Audience domain.Role
}

// SecondFactorInput answers an open challenge with either a code or a backup code.
type SecondFactorInput struct {
	ChallengeID string
	Code        string
	BackupCode  string
}

// LoginResult is returned once both factors succeeded.
type LoginResult struct {
	Principal      domain.Principal
	Session        domain.Session
	AccessToken    string
	TokenExpiresAt time.Time
}

// AuthConfig tunes the login handshake.
type AuthConfig struct {
	TokenTTL time.Duration
	Lockout  domain.LockoutPolicy
}

// AuthDeps groups the collaborators of AuthService.
type AuthDeps struct {
	Principals port.PrincipalRepository
	Hasher     port.PasswordHasher
	TwoFactor  *TwoFactorService
	Sessions   *SessionRegistry
	Tokens     TokenIssuer
	Audit      *AuditLog
}

// AuthService runs the two-step login handshake and logout.
type AuthService struct {
	principals port.PrincipalRepository
	hasher     port.PasswordHasher
	twoFactor  *TwoFactorService
	sessions   *SessionRegistry
	tokens     TokenIssuer
	audit      *AuditLog
	cfg        AuthConfig
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// AuthOption configures the service.
type AuthOption func(*AuthService)

// WithAuthMetrics wires the login counters.
func WithAuthMetrics(m *telemetry.Metrics) AuthOption {
	return func(s *AuthService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(l *zap.Logger) AuthOption {
	return func(s *AuthService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuthClock overrides the time source.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewAuthService constructs an AuthService.
func NewAuthService(deps AuthDeps, cfg AuthConfig, opts ...AuthOption) *AuthService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	s := &AuthService{
		principals: deps.Principals,
		hasher:     deps.Hasher,
		twoFactor:  deps.TwoFactor,
		sessions:   deps.Sessions,
		tokens:     deps.Tokens,
		audit:      deps.Audit,
		cfg:        cfg,
		metrics:    telemetry.NewNopMetrics(),
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenTTL returns the lifetime of issued bearer tokens.
func (s *AuthService) TokenTTL() time.Duration {
	return s.cfg.TokenTTL
}

// Login checks the first factor and opens a second-factor challenge. No
// session or token exists until VerifySecondFactor succeeds.
func (s *AuthService) Login(ctx context.Context, in LoginInput, meta RequestMeta) (*IssuedChallenge, error) {
	email := domain.NormalizeEmail(in.Email)
	log := logger.Enrich(ctx, s.logger).With(zap.String("email", logger.MaskEmail(email)))

	principal, err := s.principals.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.rejectLogin(ctx, "", email, domain.EventStatusFailed, domain.ReasonUnknownEmail, meta)
		}
		return nil, fmt.Errorf("load principal: %w", err)
	}

	now := s.now()
	switch {
	case in.Audience != "" && principal.Role != in.Audience:
		return nil, s.rejectLogin(ctx, principal.ID, email, domain.EventStatusFailed, domain.ReasonRoleMismatch, meta)
	case !principal.IsActive:
		return nil, s.rejectLogin(ctx, principal.ID, email, domain.EventStatusFailed, domain.ReasonAccountInactive, meta)
	case principal.IsLocked(now):
		log.Info("login attempt on locked account")
		return nil, s.rejectLogin(ctx, principal.ID, email, domain.EventStatusBlocked, domain.ReasonAccountLocked, meta)
	}

	ok, err := s.hasher.Verify(in.Password, principal.PasswordHash)
	if err != nil {
		log.Warn("stored password hash could not be verified", zap.Error(err))
	}
	if err != nil || !ok {
		if recErr := s.recordFailure(ctx, *principal, meta); recErr != nil {
			log.Error("record login failure", zap.Error(recErr))
		}
		return nil, ErrInvalidCredentials
	}

	challenge, err := s.twoFactor.IssueChallenge(ctx, *principal, meta)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	s.metrics.Logins.WithLabelValues(loginStepPassword, "challenge").Inc()
	return challenge, nil
}

func (s *AuthService) rejectLogin(ctx context.Context, principalID, email string, status domain.SecurityEventStatus, reason string, meta RequestMeta) error {
	s.audit.failure(ctx, domain.EventLoginFailure, status, principalID, email, reason, meta)
	s.metrics.Logins.WithLabelValues(loginStepPassword, strings.ToLower(string(status))).Inc()
	return ErrInvalidCredentials
}

func (s *AuthService) recordFailure(ctx context.Context, principal domain.Principal, meta RequestMeta) error {
	now := s.now()
	var lockedUntil *time.Time
	if d := s.cfg.Lockout.LockDuration(principal.FailedLoginAttempts + 1); d > 0 {
		until := now.Add(d)
		lockedUntil = &until
	}

	attempts, err := s.principals.RecordLoginFailure(ctx, principal.ID, lockedUntil)

	event := securityEvent(domain.EventLoginFailure, domain.EventStatusFailed, principal.ID, principal.Email, meta)
	event.Reason = domain.ReasonWrongPassword
	if err == nil {
		event.Details = map[string]any{"attempts": attempts}
	}
	s.audit.Record(ctx, event)
	s.metrics.Logins.WithLabelValues(loginStepPassword, "failed").Inc()

	if lockedUntil != nil {
		locked := securityEvent(domain.EventAccountLocked, domain.EventStatusBlocked, principal.ID, principal.Email, meta)
		locked.Details = map[string]any{"locked_until": lockedUntil.Format(time.RFC3339)}
		s.audit.Record(ctx, locked)
	}
	return err
}

// VerifySecondFactor completes the handshake: it consumes the challenge,
// creates a session and signs a token bound to it.
func (s *AuthService) VerifySecondFactor(ctx context.Context, in SecondFactorInput, meta RequestMeta) (*LoginResult, error) {
	var (
		challenge *domain.LoginChallenge
		err       error
	)
	if strings.TrimSpace(in.BackupCode) != "" {
		challenge, err = s.twoFactor.VerifyBackupCode(ctx, in.ChallengeID, in.BackupCode, meta)
	} else {
		challenge, err = s.twoFactor.VerifyChallenge(ctx, in.ChallengeID, in.Code, meta)
	}
	if err != nil {
		s.metrics.Logins.WithLabelValues(loginStepSecondFactor, secondFactorOutcome(err)).Inc()
		return nil, err
	}

	principal, err := s.principals.GetByID(ctx, challenge.PrincipalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load principal: %w", err)
	}
	if !principal.IsActive {
		s.audit.failure(ctx, domain.EventLoginFailure, domain.EventStatusFailed, principal.ID, principal.Email, domain.ReasonAccountInactive, meta)
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.principals.RecordLoginSuccess(ctx, principal.ID, now); err != nil {
		logger.Enrich(ctx, s.logger).Warn("reset login failures", zap.Error(err))
	}

	session, err := s.sessions.Create(ctx, principal.ID, meta)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	token, err := s.tokens.Issue(security.ClaimsFor(*principal, session.ID), s.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.audit.success(ctx, domain.EventLoginSuccess, *principal, meta, map[string]any{
		"method":  string(challenge.Method),
		"country": session.Metadata.Country,
		"device":  session.Metadata.Device,
	})
	s.metrics.Logins.WithLabelValues(loginStepSecondFactor, "success").Inc()

	return &LoginResult{
		Principal:      *principal,
		Session:        *session,
		AccessToken:    token,
		TokenExpiresAt: now.Add(s.cfg.TokenTTL),
	}, nil
}

func secondFactorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrCodeLocked):
		return "locked"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrCodeInvalid):
		return "failed"
	default:
		return "error"
	}
}

// Logout revokes the session of the caller. A missing session is not an error.
func (s *AuthService) Logout(ctx context.Context, who Resolution, meta RequestMeta) error {
	if who.SessionID == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, who.SessionID, domain.RevokeReasonLogout); err != nil {
		return err
	}
	if who.Authenticated {
		s.audit.Record(ctx, securityEvent(domain.EventLogout, domain.EventStatusSuccess, who.PrincipalID, who.Email, meta))
	}
	return nil
}

// Me loads the current principal.
func (s *AuthService) Me(ctx context.Context, principalID string) (*domain.Principal, error) {
	principal, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("load principal: %w", err)
	}
	return principal, nil
}

// KillSession revokes one of the caller's own sessions.
func (s *AuthService) KillSession(ctx context.Context, who Resolution, sessionID string, meta RequestMeta) error {
	if err := s.sessions.RevokeForPrincipal(ctx, who.PrincipalID, sessionID, domain.RevokeReasonUserKill); err != nil {
		return err
	}
	event := securityEvent(domain.EventSessionKilled, domain.EventStatusSuccess, who.PrincipalID, who.Email, meta)
	event.Details = map[string]any{"count": 1, "current": sessionID == who.SessionID}
	s.audit.Record(ctx, event)
	return nil
}

// KillOtherSessions revokes every session of the caller except the current one.
func (s *AuthService) KillOtherSessions(ctx context.Context, who Resolution, meta RequestMeta) (int, error) {
	count, err := s.sessions.RevokeAllExcept(ctx, who.PrincipalID, who.SessionID, domain.RevokeReasonKillOthers)
	if err != nil {
		return 0, err
	}
	event := securityEvent(domain.EventSessionKilled, domain.EventStatusSuccess, who.PrincipalID, who.Email, meta)
	event.Details = map[string]any{"count": count}
	s.audit.Record(ctx, event)
	return count, nil
}
