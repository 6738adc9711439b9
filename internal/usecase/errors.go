package usecase

import "errors"

var (
	// ErrInvalidCredentials covers unknown email, wrong password, locked and
	// inactive accounts so responses cannot be used to enumerate principals.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionInvalid indicates the session is missing, revoked or expired.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionStore indicates the session could not be checked; callers must fail closed.
	ErrSessionStore = errors.New("session store unavailable")
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionForbidden indicates the session is not owned by the caller.
	ErrSessionForbidden = errors.New("session not owned by principal")

	// ErrCodeInvalid indicates a wrong one-time or backup code.
	ErrCodeInvalid = errors.New("invalid code")
	// ErrCodeExpired indicates the challenge lifetime elapsed or the challenge is gone.
	ErrCodeExpired = errors.New("code expired")
	// ErrCodeLocked indicates too many wrong codes were presented.
	ErrCodeLocked = errors.New("challenge locked")

	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorSetupMissing   = errors.New("two-factor setup has not been started")

	// ErrPrincipalNotFound indicates the principal does not exist.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrEmailTaken indicates another principal already uses the email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrResetTokenInvalid indicates the reset token is unknown, used or expired.
	ErrResetTokenInvalid = errors.New("reset token invalid")
	// ErrForbidden indicates the caller lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrSelfModification prevents an admin from demoting or deactivating themselves.
	ErrSelfModification = errors.New("cannot modify own account")
)

// ValidationError reports an invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
