package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/repository"
)

var principalRowColumns = []string{
	"id", "email", "name", "password_hash", "role", "company", "is_active", "failed_login_attempts",
	"locked_until", "last_login_at", "password_changed_at", "created_at", "updated_at",
}

func TestPrincipalRepository_GetByEmailNormalises(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewPrincipalRepository(mock)
	created := time.Date(2024, 11, 5, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(principalRowColumns).AddRow(
		"principal-1", "admin@lledo.fr", "Admin", "hash", "ADMIN", "LLEDO Industries", true, 2,
		nil, nil, nil, created, created,
	)
	mock.ExpectQuery(`SELECT .* FROM principals WHERE email = \$1 LIMIT 1`).
		WithArgs("admin@lledo.fr").
		WillReturnRows(rows)

	p, err := repo.GetByEmail(context.Background(), "  Admin@LLEDO.fr ")
	if err != nil {
		t.Fatalf("GetByEmail returned error: %v", err)
	}
	if p.Role != domain.RoleAdmin || p.CompanyName() != "LLEDO Industries" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if p.FailedLoginAttempts != 2 || p.LockedUntil != nil {
		t.Fatalf("unexpected lockout state %+v", p)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPrincipalRepository_CreateConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewPrincipalRepository(mock)
	created := time.Date(2024, 11, 5, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO principals`).
		WithArgs("principal-1", "customer@example.com", "", "hash", "CUSTOMER", nil, true, 0, nil, nil, nil, created, created).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = repo.Create(context.Background(), domain.Principal{
		ID:           "principal-1",
		Email:        "Customer@Example.com",
		PasswordHash: "hash",
		Role:         domain.RoleCustomer,
		IsActive:     true,
		CreatedAt:    created,
		UpdatedAt:    created,
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPrincipalRepository_RecordLoginFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := NewPrincipalRepository(mock)
	repo.now = func() time.Time { return now }

	lockedUntil := now.Add(30 * time.Minute)
	mock.ExpectQuery(`UPDATE principals SET failed_login_attempts = failed_login_attempts \+ 1, locked_until = COALESCE\(\$1, locked_until\), updated_at = \$2 WHERE id = \$3 RETURNING failed_login_attempts`).
		WithArgs(lockedUntil, now, "principal-1").
		WillReturnRows(pgxmock.NewRows([]string{"failed_login_attempts"}).AddRow(5))

	attempts, err := repo.RecordLoginFailure(context.Background(), "principal-1", &lockedUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure returned error: %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", attempts)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPrincipalRepository_DeactivateMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewPrincipalRepository(mock)
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE principals SET is_active = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs(false, at, "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.Deactivate(context.Background(), "ghost", at); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
