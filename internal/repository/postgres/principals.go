package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/repository"
)

var principalColumns = []string{
	"id",
	"email",
	"name",
	"password_hash",
	"role",
	"company",
	"is_active",
	"failed_login_attempts",
	"locked_until",
	"last_login_at",
	"password_changed_at",
	"created_at",
	"updated_at",
}

// PrincipalRepository implements port.PrincipalRepository backed by PostgreSQL.
type PrincipalRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewPrincipalRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewPrincipalRepository(exec pgExecutor) *PrincipalRepository {
	return &PrincipalRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     time.Now,
	}
}

// WithTx returns a repository instance that executes statements within the supplied transaction.
func (r *PrincipalRepository) WithTx(tx pgx.Tx) *PrincipalRepository {
	if tx == nil {
		return r
	}
	return &PrincipalRepository{exec: tx, builder: r.builder, now: r.now}
}

// Create inserts a new principal row. Duplicate emails map to repository.ErrConflict.
func (r *PrincipalRepository) Create(ctx context.Context, p domain.Principal) error {
	stmt, args, err := r.builder.Insert("principals").
		Columns(principalColumns...).
		Values(
			p.ID,
			domain.NormalizeEmail(p.Email),
			p.Name,
			p.PasswordHash,
			string(p.Role),
			optionalString(p.Company),
			p.IsActive,
			p.FailedLoginAttempts,
			optionalTime(p.LockedUntil),
			optionalTime(p.LastLoginAt),
			optionalTime(p.PasswordChangedAt),
			p.CreatedAt.UTC(),
			p.UpdatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert principal sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

// GetByID retrieves a principal by identifier.
func (r *PrincipalRepository) GetByID(ctx context.Context, id string) (*domain.Principal, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

// GetByEmail retrieves a principal by case-insensitive email.
func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	return r.getOne(ctx, squirrel.Eq{"email": domain.NormalizeEmail(email)})
}

func (r *PrincipalRepository) getOne(ctx context.Context, where squirrel.Eq) (*domain.Principal, error) {
	stmt, args, err := r.builder.
		Select(principalColumns...).
		From("principals").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select principal sql: %w", err)
	}

	principal, err := scanPrincipal(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return principal, nil
}

// UpdatePassword stores a new hash and clears any lockout.
func (r *PrincipalRepository) UpdatePassword(ctx context.Context, id string, passwordHash string, changedAt time.Time) error {
	stmt, args, err := r.builder.Update("principals").
		Set("password_hash", passwordHash).
		Set("password_changed_at", changedAt.UTC()).
		Set("failed_login_attempts", 0).
		Set("locked_until", nil).
		Set("updated_at", changedAt.UTC()).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update password sql: %w", err)
	}
	return r.execOne(ctx, "update principal password", stmt, args)
}

// UpdateRole changes the role tag and company attribute.
func (r *PrincipalRepository) UpdateRole(ctx context.Context, id string, role domain.Role, company *string) error {
	stmt, args, err := r.builder.Update("principals").
		Set("role", string(role)).
		Set("company", optionalString(company)).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update role sql: %w", err)
	}
	return r.execOne(ctx, "update principal role", stmt, args)
}

// Deactivate flips is_active; rows are never deleted.
func (r *PrincipalRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	stmt, args, err := r.builder.Update("principals").
		Set("is_active", false).
		Set("updated_at", at.UTC()).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate principal sql: %w", err)
	}
	return r.execOne(ctx, "deactivate principal", stmt, args)
}

// RecordLoginFailure increments the failure counter and optionally locks the account.
func (r *PrincipalRepository) RecordLoginFailure(ctx context.Context, id string, lockedUntil *time.Time) (int, error) {
	stmt, args, err := r.builder.Update("principals").
		Set("failed_login_attempts", squirrel.Expr("failed_login_attempts + 1")).
		Set("locked_until", squirrel.Expr("COALESCE(?, locked_until)", optionalTime(lockedUntil))).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING failed_login_attempts").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build record failure sql: %w", err)
	}

	var attempts int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&attempts); err != nil {
		if isNoRows(err) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("record login failure: %w", err)
	}
	return attempts, nil
}

// RecordLoginSuccess clears the failure counter and stamps last_login_at.
func (r *PrincipalRepository) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	stmt, args, err := r.builder.Update("principals").
		Set("failed_login_attempts", 0).
		Set("locked_until", nil).
		Set("last_login_at", at.UTC()).
		Set("updated_at", at.UTC()).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build record success sql: %w", err)
	}
	return r.execOne(ctx, "record login success", stmt, args)
}

func (r *PrincipalRepository) execOne(ctx context.Context, op string, stmt string, args []any) error {
	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanPrincipal(row pgx.Row) (*domain.Principal, error) {
	var (
		p                 domain.Principal
		role              string
		company           sql.NullString
		lockedUntil       sql.NullTime
		lastLoginAt       sql.NullTime
		passwordChangedAt sql.NullTime
	)

	if err := row.Scan(
		&p.ID,
		&p.Email,
		&p.Name,
		&p.PasswordHash,
		&role,
		&company,
		&p.IsActive,
		&p.FailedLoginAttempts,
		&lockedUntil,
		&lastLoginAt,
		&passwordChangedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	p.Role = domain.Role(role)
	p.Company = nullableStringPtr(company)
	p.LockedUntil = nullableTimePtr(lockedUntil)
	p.LastLoginAt = nullableTimePtr(lastLoginAt)
	p.PasswordChangedAt = nullableTimePtr(passwordChangedAt)

	return &p, nil
}

var _ port.PrincipalRepository = (*PrincipalRepository)(nil)
