package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/repository"
)

// TOTPProvider generates enrollment material and checks authenticator codes.
type TOTPProvider interface {
	Generate(accountName string) (security.TOTPEnrollment, error)
	Validate(code, secret string) (bool, error)
}

// TwoFactorConfig tunes challenge issuance.
type TwoFactorConfig struct {
	CodeTTL         time.Duration
	CodeLength      int
	MaxAttempts     int
	BackupCodeCount int
}

func (c TwoFactorConfig) withDefaults() TwoFactorConfig {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.CodeLength <= 0 {
		c.CodeLength = 6
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = 10
	}
	return c
}

// IssuedChallenge is what the client learns about a new challenge.
type IssuedChallenge struct {
	ID        string
	Method    domain.ChallengeMethod
	ExpiresAt time.Time
}

// Enrollment is shown once when TOTP setup begins.
type Enrollment struct {
	Secret      string
	URL         string
	BackupCodes []string
}

// TwoFactorService drives the login challenge state machine and TOTP enrollment.
type TwoFactorService struct {
	challenges port.ChallengeStore
	secrets    port.TwoFactorRepository
	totp       TOTPProvider
	sealer     port.SecretSealer
	hasher     port.PasswordHasher
	notifier   port.Notifier
	jobs       JobSubmitter
	audit      *AuditLog
	cfg        TwoFactorConfig
	logger     *zap.Logger
	now        func() time.Time
}

// TwoFactorDeps groups the collaborators of TwoFactorService.
type TwoFactorDeps struct {
	Challenges port.ChallengeStore
	Secrets    port.TwoFactorRepository
	TOTP       TOTPProvider
	Sealer     port.SecretSealer
	Hasher     port.PasswordHasher
	Notifier   port.Notifier
	Jobs       JobSubmitter
	Audit      *AuditLog
}

// TwoFactorOption configures the service.
type TwoFactorOption func(*TwoFactorService)

// WithTwoFactorLogger sets the logger.
func WithTwoFactorLogger(l *zap.Logger) TwoFactorOption {
	return func(s *TwoFactorService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTwoFactorClock overrides the time source.
func WithTwoFactorClock(now func() time.Time) TwoFactorOption {
	return func(s *TwoFactorService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTwoFactorService constructs a TwoFactorService.
func NewTwoFactorService(deps TwoFactorDeps, cfg TwoFactorConfig, opts ...TwoFactorOption) *TwoFactorService {
	s := &TwoFactorService{
		challenges: deps.Challenges,
		secrets:    deps.Secrets,
		totp:       deps.TOTP,
		sealer:     deps.Sealer,
		hasher:     deps.Hasher,
		notifier:   deps.Notifier,
		jobs:       deps.Jobs,
		audit:      deps.Audit,
		cfg:        cfg.withDefaults(),
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueChallenge opens a new challenge for the principal and drops any
// previous one. Principals with confirmed TOTP answer with their
// authenticator; everyone else receives an emailed code.
func (s *TwoFactorService) IssueChallenge(ctx context.Context, principal domain.Principal, meta RequestMeta) (*IssuedChallenge, error) {
	if err := s.challenges.DeleteForPrincipal(ctx, principal.ID); err != nil {
		return nil, fmt.Errorf("drop previous challenges: %w", err)
	}

	method := domain.ChallengeMethodEmail
	enabled, err := s.totpEnabled(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	if enabled {
		method = domain.ChallengeMethodTOTP
	}

	now := s.now()
	challenge := domain.LoginChallenge{
		ID:          uuid.NewString(),
		PrincipalID: principal.ID,
		Method:      method,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.CodeTTL),
	}

	var code string
	if method == domain.ChallengeMethodEmail {
		code, err = security.GenerateNumericCode(s.cfg.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate login code: %w", err)
		}
		challenge.CodeHash = security.HashToken(code)
	}

	if err := s.challenges.Save(ctx, challenge); err != nil {
		return nil, fmt.Errorf("save challenge: %w", err)
	}

	if method == domain.ChallengeMethodEmail {
		email := principal.Email
		sendNotification(ctx, s.jobs, s.logger, "login_code", email, func(ctx context.Context) error {
			return s.notifier.SendLoginCode(ctx, email, code)
		})
	}

	event := securityEvent(domain.EventOTPIssued, domain.EventStatusSuccess, principal.ID, principal.Email, meta)
	event.Details = map[string]any{"method": string(method)}
	s.audit.Record(ctx, event)

	return &IssuedChallenge{ID: challenge.ID, Method: method, ExpiresAt: challenge.ExpiresAt}, nil
}

// VerifyChallenge checks code against the challenge. A correct code consumes
// the challenge; wrong codes count towards the lock. The store settles each
// answer on its own, so parallel guesses share one attempt counter.
func (s *TwoFactorService) VerifyChallenge(ctx context.Context, challengeID, code string, meta RequestMeta) (*domain.LoginChallenge, error) {
	challenge, err := s.loadOpenChallenge(ctx, challengeID, meta)
	if err != nil {
		return nil, err
	}

	ok, err := s.matches(ctx, challenge, code)
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, challenge, ok, domain.ReasonWrongCode, meta); err != nil {
		return nil, err
	}

	event := securityEvent(domain.EventTwoFactorVerified, domain.EventStatusSuccess, challenge.PrincipalID, "", meta)
	event.Details = map[string]any{"method": string(challenge.Method)}
	s.audit.Record(ctx, event)

	return challenge, nil
}

// VerifyBackupCode answers a challenge with a backup code. The code is
// removed from the stored set before any other check, so it works at most once.
func (s *TwoFactorService) VerifyBackupCode(ctx context.Context, challengeID, code string, meta RequestMeta) (*domain.LoginChallenge, error) {
	challenge, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCodeExpired
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}

	consumed, err := s.secrets.ConsumeBackupCode(ctx, challenge.PrincipalID, security.HashBackupCode(code))
	if err != nil {
		return nil, fmt.Errorf("consume backup code: %w", err)
	}
	if err := s.settle(ctx, challenge, consumed, domain.ReasonBackupCodeReused, meta); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, securityEvent(domain.EventBackupCodeUsed, domain.EventStatusSuccess, challenge.PrincipalID, "", meta))
	return challenge, nil
}

func (s *TwoFactorService) loadOpenChallenge(ctx context.Context, challengeID string, meta RequestMeta) (*domain.LoginChallenge, error) {
	challenge, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCodeExpired
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if err := s.checkState(ctx, challenge, meta); err != nil {
		return nil, err
	}
	return challenge, nil
}

// checkState rejects challenges already locked or expired in the loaded
// snapshot. The authoritative decision is made by settle.
func (s *TwoFactorService) checkState(ctx context.Context, challenge *domain.LoginChallenge, meta RequestMeta) error {
	switch challenge.State(s.now()) {
	case domain.ChallengeLocked:
		return s.rejectLocked(ctx, challenge, meta)
	case domain.ChallengeExpired:
		if err := s.challenges.Delete(ctx, challenge.ID); err != nil {
			logger.Enrich(ctx, s.logger).Warn("expired challenge cleanup failed", zap.Error(err))
		}
		return s.rejectExpired(ctx, challenge, meta)
	default:
		return nil
	}
}

// settle records one answer against the stored challenge. It returns nil only
// to the caller whose correct answer consumed the challenge.
func (s *TwoFactorService) settle(ctx context.Context, challenge *domain.LoginChallenge, correct bool, reason string, meta RequestMeta) error {
	state, err := s.challenges.Settle(ctx, challenge.ID, correct, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.rejectExpired(ctx, challenge, meta)
		}
		return fmt.Errorf("settle challenge: %w", err)
	}

	switch state {
	case domain.ChallengeVerified:
		return nil
	case domain.ChallengeLocked:
		return s.rejectLocked(ctx, challenge, meta)
	case domain.ChallengeExpired:
		return s.rejectExpired(ctx, challenge, meta)
	default:
		s.audit.failure(ctx, domain.EventOTPFailure, domain.EventStatusFailed, challenge.PrincipalID, "", reason, meta)
		return ErrCodeInvalid
	}
}

func (s *TwoFactorService) rejectLocked(ctx context.Context, challenge *domain.LoginChallenge, meta RequestMeta) error {
	s.audit.failure(ctx, domain.EventOTPFailure, domain.EventStatusBlocked, challenge.PrincipalID, "", domain.ReasonChallengeLocked, meta)
	return ErrCodeLocked
}

func (s *TwoFactorService) rejectExpired(ctx context.Context, challenge *domain.LoginChallenge, meta RequestMeta) error {
	s.audit.failure(ctx, domain.EventOTPFailure, domain.EventStatusFailed, challenge.PrincipalID, "", domain.ReasonCodeExpired, meta)
	return ErrCodeExpired
}

func (s *TwoFactorService) matches(ctx context.Context, challenge *domain.LoginChallenge, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	if challenge.Method != domain.ChallengeMethodTOTP {
		got := security.HashToken(code)
		return subtle.ConstantTimeCompare([]byte(got), []byte(challenge.CodeHash)) == 1, nil
	}

	secret, err := s.openSecret(ctx, challenge.PrincipalID)
	if err != nil {
		return false, err
	}
	ok, err := s.totp.Validate(code, secret)
	if err != nil {
		return false, fmt.Errorf("validate totp: %w", err)
	}
	return ok, nil
}

func (s *TwoFactorService) totpEnabled(ctx context.Context, principalID string) (bool, error) {
	enrollment, err := s.secrets.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load two-factor enrollment: %w", err)
	}
	return enrollment.Enabled, nil
}

func (s *TwoFactorService) openSecret(ctx context.Context, principalID string) (string, error) {
	enrollment, err := s.secrets.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrTwoFactorNotEnabled
		}
		return "", fmt.Errorf("load two-factor enrollment: %w", err)
	}
	secret, err := s.sealer.Open(enrollment.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("open totp secret: %w", err)
	}
	return secret, nil
}

// Status reports whether TOTP is confirmed for the principal.
func (s *TwoFactorService) Status(ctx context.Context, principalID string) (bool, error) {
	return s.totpEnabled(ctx, principalID)
}

// BeginEnrollment generates a fresh TOTP secret and backup codes. The
// enrollment stays disabled until ConfirmEnrollment succeeds.
func (s *TwoFactorService) BeginEnrollment(ctx context.Context, principal domain.Principal) (*Enrollment, error) {
	enabled, err := s.totpEnabled(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	if enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	material, err := s.totp.Generate(principal.Email)
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(material.Secret)
	if err != nil {
		return nil, fmt.Errorf("seal totp secret: %w", err)
	}
	codes, err := security.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	now := s.now()
	if err := s.secrets.Upsert(ctx, domain.TwoFactorSecret{
		PrincipalID:      principal.ID,
		EncryptedSecret:  sealed,
		BackupCodeHashes: security.HashBackupCodes(codes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return nil, fmt.Errorf("store enrollment: %w", err)
	}

	return &Enrollment{Secret: material.Secret, URL: material.URL, BackupCodes: codes}, nil
}

// ConfirmEnrollment enables TOTP once the principal proves possession of the secret.
func (s *TwoFactorService) ConfirmEnrollment(ctx context.Context, principal domain.Principal, code string, meta RequestMeta) error {
	enrollment, err := s.secrets.Get(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTwoFactorSetupMissing
		}
		return fmt.Errorf("load two-factor enrollment: %w", err)
	}
	if enrollment.Enabled {
		return ErrTwoFactorAlreadyEnabled
	}

	secret, err := s.sealer.Open(enrollment.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("open totp secret: %w", err)
	}
	ok, err := s.totp.Validate(code, secret)
	if err != nil {
		return fmt.Errorf("validate totp: %w", err)
	}
	if !ok {
		return ErrCodeInvalid
	}

	now := s.now()
	enrollment.Enabled = true
	enrollment.VerifiedAt = &now
	enrollment.UpdatedAt = now
	if err := s.secrets.Upsert(ctx, *enrollment); err != nil {
		return fmt.Errorf("enable two-factor: %w", err)
	}

	s.audit.success(ctx, domain.EventTwoFactorEnabled, principal, meta, nil)
	return nil
}

// Disable removes the enrollment after re-checking the password.
func (s *TwoFactorService) Disable(ctx context.Context, principal domain.Principal, password string, meta RequestMeta) error {
	ok, err := s.hasher.Verify(password, principal.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}

	enabled, err := s.totpEnabled(ctx, principal.ID)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrTwoFactorNotEnabled
	}

	if err := s.secrets.Delete(ctx, principal.ID); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}

	s.audit.success(ctx, domain.EventTwoFactorDisabled, principal, meta, nil)
	return nil
}

// RegenerateBackupCodes replaces the backup code set. A current TOTP code is required.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, principal domain.Principal, code string) ([]string, error) {
	enabled, err := s.totpEnabled(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	secret, err := s.openSecret(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	ok, err := s.totp.Validate(code, secret)
	if err != nil {
		return nil, fmt.Errorf("validate totp: %w", err)
	}
	if !ok {
		return nil, ErrCodeInvalid
	}

	codes, err := security.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	if err := s.secrets.ReplaceBackupCodes(ctx, principal.ID, security.HashBackupCodes(codes), s.now()); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	return codes, nil
}
