package domain

import "time"

// SessionMetadata captures where a login came from.
type SessionMetadata struct {
	IP        string
	UserAgent string
	Device    string
	Browser   string
	OS        string
	Country   string
	City      string
}

// Session represents one authenticated login instance.
type Session struct {
	ID             string
	PrincipalID    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	Revoked        bool
	RevokedAt      *time.Time
	RevokeReason   *string
	Metadata       SessionMetadata
}

// IsValid reports whether the session is usable at the supplied moment:
// not revoked and strictly before its expiry.
func (s Session) IsValid(at time.Time) bool {
	if s.Revoked {
		return false
	}
	return at.Before(s.ExpiresAt)
}

// Revoke flips the revoked flag. Returns true when the session changed state.
func (s *Session) Revoke(at time.Time, reason string) bool {
	if s.Revoked {
		return false
	}
	s.Revoked = true
	s.RevokedAt = &at
	if reason != "" {
		s.RevokeReason = &reason
	}
	return true
}

// Session revoke reasons.
const (
	RevokeReasonLogout          = "logout"
	RevokeReasonUserKill        = "killed_by_user"
	RevokeReasonKillOthers      = "killed_others"
	RevokeReasonPasswordChanged = "password_changed"
	RevokeReasonPasswordReset   = "password_reset"
	RevokeReasonDeactivated     = "principal_deactivated"
	RevokeReasonRoleChanged     = "role_changed"
)
