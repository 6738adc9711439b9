package handlers

import (
	"context"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// Authenticator runs the two-step login handshake.
type Authenticator interface {
	Login(ctx context.Context, in usecase.LoginInput, meta usecase.RequestMeta) (*usecase.IssuedChallenge, error)
	VerifySecondFactor(ctx context.Context, in usecase.SecondFactorInput, meta usecase.RequestMeta) (*usecase.LoginResult, error)
	Logout(ctx context.Context, who usecase.Resolution, meta usecase.RequestMeta) error
	Me(ctx context.Context, principalID string) (*domain.Principal, error)
	TokenTTL() time.Duration
}

// SessionKiller revokes sessions on behalf of their owner.
type SessionKiller interface {
	KillSession(ctx context.Context, who usecase.Resolution, sessionID string, meta usecase.RequestMeta) error
	KillOtherSessions(ctx context.Context, who usecase.Resolution, meta usecase.RequestMeta) (int, error)
}

// SessionLister lists the live sessions of a principal.
type SessionLister interface {
	ListActive(ctx context.Context, principalID string) ([]domain.Session, error)
}

// PrincipalLoader loads the current principal.
type PrincipalLoader interface {
	Me(ctx context.Context, principalID string) (*domain.Principal, error)
}

// TwoFactorManager covers TOTP enrollment and backup codes.
type TwoFactorManager interface {
	Status(ctx context.Context, principalID string) (bool, error)
	BeginEnrollment(ctx context.Context, principal domain.Principal) (*usecase.Enrollment, error)
	ConfirmEnrollment(ctx context.Context, principal domain.Principal, code string, meta usecase.RequestMeta) error
	Disable(ctx context.Context, principal domain.Principal, password string, meta usecase.RequestMeta) error
	RegenerateBackupCodes(ctx context.Context, principal domain.Principal, code string) ([]string, error)
}

// PasswordManager covers password change and reset.
type PasswordManager interface {
	Change(ctx context.Context, who usecase.Resolution, current, next string, meta usecase.RequestMeta) error
	Forgot(ctx context.Context, email string, meta usecase.RequestMeta)
	Reset(ctx context.Context, token, next string, meta usecase.RequestMeta) error
}

// Registrar creates customer accounts.
type Registrar interface {
	Register(ctx context.Context, in usecase.RegisterInput, meta usecase.RequestMeta) (*domain.Principal, error)
}

// PrincipalAdministrator changes other principals.
type PrincipalAdministrator interface {
	Deactivate(ctx context.Context, actor usecase.Resolution, targetID string, meta usecase.RequestMeta) error
	ChangeRole(ctx context.Context, actor usecase.Resolution, targetID string, role domain.Role, company string, meta usecase.RequestMeta) error
}

var (
	_ Authenticator          = (*usecase.AuthService)(nil)
	_ SessionKiller          = (*usecase.AuthService)(nil)
	_ SessionLister          = (*usecase.SessionRegistry)(nil)
	_ TwoFactorManager       = (*usecase.TwoFactorService)(nil)
	_ PasswordManager        = (*usecase.PasswordService)(nil)
	_ Registrar              = (*usecase.RegistrationService)(nil)
	_ PrincipalAdministrator = (*usecase.PrincipalAdminService)(nil)
)
