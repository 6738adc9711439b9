package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/repository"
)

const resetTokenBytes = 32

// PasswordConfig tunes the reset flow.
type PasswordConfig struct {
	ResetTokenTTL time.Duration
	ResetURL      string
}

// PasswordDeps groups the collaborators of PasswordService.
type PasswordDeps struct {
	Principals port.PrincipalRepository
	Hasher     port.PasswordHasher
	Policy     port.PasswordPolicyValidator
	Sessions   *SessionRegistry
	Resets     port.ResetTokenStore
	Notifier   port.Notifier
	Jobs       JobSubmitter
	Audit      *AuditLog
}

// PasswordService changes and resets passwords.
type PasswordService struct {
	principals port.PrincipalRepository
	hasher     port.PasswordHasher
	policy     port.PasswordPolicyValidator
	sessions   *SessionRegistry
	resets     port.ResetTokenStore
	notifier   port.Notifier
	jobs       JobSubmitter
	audit      *AuditLog
	cfg        PasswordConfig
	logger     *zap.Logger
	now        func() time.Time
}

// PasswordOption configures the service.
type PasswordOption func(*PasswordService)

// WithPasswordLogger sets the logger.
func WithPasswordLogger(l *zap.Logger) PasswordOption {
	return func(s *PasswordService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPasswordClock overrides the time source.
func WithPasswordClock(now func() time.Time) PasswordOption {
	return func(s *PasswordService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPasswordService constructs a PasswordService.
func NewPasswordService(deps PasswordDeps, cfg PasswordConfig, opts ...PasswordOption) *PasswordService {
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = time.Hour
	}
	s := &PasswordService{
		principals: deps.Principals,
		hasher:     deps.Hasher,
		policy:     deps.Policy,
		sessions:   deps.Sessions,
		resets:     deps.Resets,
		notifier:   deps.Notifier,
		jobs:       deps.Jobs,
		audit:      deps.Audit,
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Change replaces the password after checking the current one and revokes
// every other session of the principal.
func (s *PasswordService) Change(ctx context.Context, who Resolution, current, next string, meta RequestMeta) error {
	principal, err := s.principals.GetByID(ctx, who.PrincipalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return fmt.Errorf("load principal: %w", err)
	}

	ok, err := s.hasher.Verify(current, principal.PasswordHash)
	if err != nil || !ok {
		s.audit.failure(ctx, domain.EventPasswordChange, domain.EventStatusFailed, principal.ID, principal.Email, domain.ReasonWrongPassword, meta)
		return ErrInvalidCredentials
	}

	if err := s.store(ctx, principal.ID, next); err != nil {
		return err
	}

	if _, err := s.sessions.RevokeAllExcept(ctx, principal.ID, who.SessionID, domain.RevokeReasonPasswordChanged); err != nil {
		logger.Enrich(ctx, s.logger).Error("revoke sessions after password change", zap.Error(err))
	}

	s.notifyChanged(ctx, principal.Email)
	s.audit.success(ctx, domain.EventPasswordChange, *principal, meta, nil)
	return nil
}

// Forgot starts a reset for email. It never reports whether the email exists.
func (s *PasswordService) Forgot(ctx context.Context, email string, meta RequestMeta) {
	email = domain.NormalizeEmail(email)
	log := logger.Enrich(ctx, s.logger).With(zap.String("email", logger.MaskEmail(email)))

	principal, err := s.principals.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Error("load principal for reset", zap.Error(err))
			return
		}
		s.audit.failure(ctx, domain.EventPasswordResetReq, domain.EventStatusFailed, "", email, domain.ReasonUnknownEmail, meta)
		return
	}
	if !principal.IsActive {
		s.audit.failure(ctx, domain.EventPasswordResetReq, domain.EventStatusFailed, principal.ID, email, domain.ReasonAccountInactive, meta)
		return
	}

	token, err := security.GenerateSecureToken(resetTokenBytes)
	if err != nil {
		log.Error("generate reset token", zap.Error(err))
		return
	}
	if err := s.resets.Save(ctx, security.HashToken(token), principal.ID, s.cfg.ResetTokenTTL); err != nil {
		log.Error("store reset token", zap.Error(err))
		return
	}

	link := s.resetLink(token)
	sendNotification(ctx, s.jobs, s.logger, "password_reset", principal.Email, func(ctx context.Context) error {
		return s.notifier.SendPasswordReset(ctx, principal.Email, link)
	})
	s.audit.success(ctx, domain.EventPasswordResetReq, *principal, meta, nil)
}

// Reset sets a new password using a single-use token and revokes every
// session of the principal.
func (s *PasswordService) Reset(ctx context.Context, token, next string, meta RequestMeta) error {
	if err := s.validate(next); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return ErrResetTokenInvalid
	}

	principalID, err := s.resets.Consume(ctx, security.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrResetTokenInvalid
		}
		return fmt.Errorf("consume reset token: %w", err)
	}

	principal, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrResetTokenInvalid
		}
		return fmt.Errorf("load principal: %w", err)
	}
	if !principal.IsActive {
		return ErrResetTokenInvalid
	}

	if err := s.store(ctx, principal.ID, next); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllExcept(ctx, principal.ID, "", domain.RevokeReasonPasswordReset); err != nil {
		logger.Enrich(ctx, s.logger).Error("revoke sessions after password reset", zap.Error(err))
	}

	s.notifyChanged(ctx, principal.Email)
	s.audit.success(ctx, domain.EventPasswordReset, *principal, meta, nil)
	return nil
}

func (s *PasswordService) store(ctx context.Context, principalID, password string) error {
	if err := s.validate(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.principals.UpdatePassword(ctx, principalID, hash, s.now()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PasswordService) validate(password string) error {
	return validatePassword(s.policy, "newPassword", password)
}

func (s *PasswordService) notifyChanged(ctx context.Context, email string) {
	sendNotification(ctx, s.jobs, s.logger, "password_changed", email, func(ctx context.Context) error {
		return s.notifier.SendPasswordChanged(ctx, email)
	})
}

func (s *PasswordService) resetLink(token string) string {
	base := s.cfg.ResetURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

func validatePassword(policy port.PasswordPolicyValidator, field, password string) error {
	if policy == nil {
		return nil
	}
	if err := policy.Validate(password); err != nil {
		var violation *security.PasswordValidationError
		if errors.As(err, &violation) {
			return &ValidationError{Field: field, Message: violation.Message}
		}
		return &ValidationError{Field: field, Message: err.Error()}
	}
	return nil
}
