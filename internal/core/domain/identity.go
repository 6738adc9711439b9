package domain

import (
	"strings"
	"time"
)

// Role is the fixed role tag of a principal.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is one of the two supported roles.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// ParseRole normalises user supplied role names.
func ParseRole(value string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(value)))
	return r, r.Valid()
}

// Principal mirrors the persisted representation in the principals table.
// Principals are never deleted, only deactivated.
type Principal struct {
	ID                  string
	Email               string
	Name                string
	PasswordHash        string
	Role                Role
	Company             *string
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	PasswordChangedAt   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsAdmin reports whether the principal carries the ADMIN role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// IsLocked reports whether a lockout is still in effect at the supplied moment.
func (p Principal) IsLocked(at time.Time) bool {
	return p.LockedUntil != nil && at.Before(*p.LockedUntil)
}

// CompanyName returns the company attribute or an empty string.
func (p Principal) CompanyName() string {
	if p.Company == nil {
		return ""
	}
	return *p.Company
}

// NormalizeEmail lower-cases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LockoutPolicy describes progressive account locking after consecutive failures.
type LockoutPolicy struct {
	SoftThreshold int
	SoftDuration  time.Duration
	HardThreshold int
	HardDuration  time.Duration
}

// DefaultLockoutPolicy locks for 30 minutes after 5 failures and 24 hours after 10.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		SoftThreshold: 5,
		SoftDuration:  30 * time.Minute,
		HardThreshold: 10,
		HardDuration:  24 * time.Hour,
	}
}

// LockDuration returns how long to lock an account after the given number of
// consecutive failures, or zero when no lock applies.
func (p LockoutPolicy) LockDuration(failures int) time.Duration {
	switch {
	case p.HardThreshold > 0 && failures >= p.HardThreshold:
		return p.HardDuration
	case p.SoftThreshold > 0 && failures >= p.SoftThreshold:
		return p.SoftDuration
	default:
		return 0
	}
}
