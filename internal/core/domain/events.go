package domain

import "time"

// SecurityEventType enumerates authentication-relevant actions.
type SecurityEventType string

const (
	EventLoginSuccess      SecurityEventType = "LOGIN_SUCCESS"
	EventLoginFailure      SecurityEventType = "LOGIN_FAILURE"
	EventLogout            SecurityEventType = "LOGOUT"
	EventPasswordChange    SecurityEventType = "PASSWORD_CHANGE"
	EventPasswordResetReq  SecurityEventType = "PASSWORD_RESET_REQUESTED"
	EventPasswordReset     SecurityEventType = "PASSWORD_RESET"
	EventOTPIssued         SecurityEventType = "OTP_ISSUED"
	EventOTPFailure        SecurityEventType = "OTP_FAILURE"
	EventTwoFactorVerified SecurityEventType = "TWO_FACTOR_VERIFIED"
	EventBackupCodeUsed    SecurityEventType = "BACKUP_CODE_USED"
	EventTwoFactorEnabled  SecurityEventType = "TWO_FACTOR_ENABLED"
	EventTwoFactorDisabled SecurityEventType = "TWO_FACTOR_DISABLED"
	EventSessionKilled     SecurityEventType = "SESSION_KILLED"
	EventAccountLocked     SecurityEventType = "ACCOUNT_LOCKED"
	EventPrincipalCreated  SecurityEventType = "PRINCIPAL_CREATED"
	EventPrincipalDisabled SecurityEventType = "PRINCIPAL_DEACTIVATED"
	EventRoleChanged       SecurityEventType = "ROLE_CHANGED"
)

// SecurityEventStatus is the outcome recorded with an event.
type SecurityEventStatus string

const (
	EventStatusSuccess SecurityEventStatus = "SUCCESS"
	EventStatusFailed  SecurityEventStatus = "FAILED"
	EventStatusBlocked SecurityEventStatus = "BLOCKED"
)

// SecurityEvent is an immutable audit record. PrincipalID is nil when the
// actor could not be identified (e.g. unknown email on login).
type SecurityEvent struct {
	ID          string
	PrincipalID *string
	Email       string
	Type        SecurityEventType
	Status      SecurityEventStatus
	Reason      string
	IP          string
	UserAgent   string
	Details     map[string]any
	OccurredAt  time.Time
}

// Precise failure reasons kept in the audit trail only.
const (
	ReasonUnknownEmail     = "unknown_email"
	ReasonWrongPassword    = "wrong_password"
	ReasonAccountLocked    = "account_locked"
	ReasonAccountInactive  = "account_inactive"
	ReasonWrongCode        = "wrong_code"
	ReasonCodeExpired      = "code_expired"
	ReasonChallengeLocked  = "challenge_locked"
	ReasonBackupCodeReused = "backup_code_invalid"
	ReasonSessionMissing   = "session_missing"
	ReasonRoleMismatch     = "role_mismatch"
)
