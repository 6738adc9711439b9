package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Principals     *PrincipalRepository
	Sessions       *SessionRepository
	SecurityEvents *SecurityEventRepository
	TwoFactor      *TwoFactorRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Principals:     NewPrincipalRepository(pool),
		Sessions:       NewSessionRepository(pool),
		SecurityEvents: NewSecurityEventRepository(pool),
		TwoFactor:      NewTwoFactorRepository(pool),
	}
}
