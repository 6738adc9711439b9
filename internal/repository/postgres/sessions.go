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

var sessionColumns = []string{
	"id",
	"principal_id",
	"created_at",
	"expires_at",
	"last_activity_at",
	"revoked",
	"revoked_at",
	"revoke_reason",
	"ip",
	"user_agent",
	"device",
	"browser",
	"os",
	"country",
	"city",
}

// SessionRepository implements port.SessionRepository backed by PostgreSQL.
type SessionRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSessionRepository(exec pgExecutor) *SessionRepository {
	return &SessionRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance that executes statements within the supplied transaction.
func (r *SessionRepository) WithTx(tx pgx.Tx) *SessionRepository {
	if tx == nil {
		return r
	}
	return &SessionRepository{exec: tx, builder: r.builder}
}

// Create persists a new session.
func (r *SessionRepository) Create(ctx context.Context, s domain.Session) error {
	stmt, args, err := r.builder.Insert("sessions").
		Columns(sessionColumns...).
		Values(
			s.ID,
			s.PrincipalID,
			s.CreatedAt.UTC(),
			s.ExpiresAt.UTC(),
			s.LastActivityAt.UTC(),
			s.Revoked,
			optionalTime(s.RevokedAt),
			optionalString(s.RevokeReason),
			emptyAsNull(s.Metadata.IP),
			emptyAsNull(s.Metadata.UserAgent),
			emptyAsNull(s.Metadata.Device),
			emptyAsNull(s.Metadata.Browser),
			emptyAsNull(s.Metadata.OS),
			emptyAsNull(s.Metadata.Country),
			emptyAsNull(s.Metadata.City),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID fetches a session by its identifier.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From("sessions").
		Where(squirrel.Eq{"id": sessionID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

// Revoke flips the revoked flag when the session is still live in the table.
func (r *SessionRepository) Revoke(ctx context.Context, sessionID string, reason string, at time.Time) (bool, error) {
	stmt, args, err := r.builder.Update("sessions").
		Set("revoked", true).
		Set("revoked_at", at.UTC()).
		Set("revoke_reason", normalizeReason(reason, domain.RevokeReasonLogout)).
		Where(squirrel.Eq{"id": sessionID, "revoked": false}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build revoke session sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllExcept revokes every live session of the principal except keepSessionID.
// An empty keepSessionID revokes all of them.
func (r *SessionRepository) RevokeAllExcept(ctx context.Context, principalID string, keepSessionID string, reason string, at time.Time) (int, error) {
	query := r.builder.Update("sessions").
		Set("revoked", true).
		Set("revoked_at", at.UTC()).
		Set("revoke_reason", normalizeReason(reason, domain.RevokeReasonKillOthers)).
		Where(squirrel.Eq{"principal_id": principalID, "revoked": false})
	if keepSessionID != "" {
		query = query.Where(squirrel.NotEq{"id": keepSessionID})
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build revoke sessions sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions for principal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListActive returns non-revoked, unexpired sessions ordered by last activity.
func (r *SessionRepository) ListActive(ctx context.Context, principalID string, at time.Time) ([]domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From("sessions").
		Where(squirrel.Eq{"principal_id": principalID, "revoked": false}).
		Where(squirrel.Gt{"expires_at": at.UTC()}).
		OrderBy("last_activity_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Touch refreshes last_activity_at.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	stmt, args, err := r.builder.Update("sessions").
		Set("last_activity_at", at.UTC()).
		Where(squirrel.Eq{"id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch session sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PurgeExpired deletes sessions whose expiry is before the supplied moment.
func (r *SessionRepository) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	stmt, args, err := r.builder.Delete("sessions").
		Where(squirrel.Lt{"expires_at": before.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge sessions sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s            domain.Session
		revokedAt    sql.NullTime
		revokeReason sql.NullString
		ip           sql.NullString
		userAgent    sql.NullString
		device       sql.NullString
		browser      sql.NullString
		osName       sql.NullString
		country      sql.NullString
		city         sql.NullString
	)

	if err := row.Scan(
		&s.ID,
		&s.PrincipalID,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.LastActivityAt,
		&s.Revoked,
		&revokedAt,
		&revokeReason,
		&ip,
		&userAgent,
		&device,
		&browser,
		&osName,
		&country,
		&city,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	s.RevokedAt = nullableTimePtr(revokedAt)
	s.RevokeReason = nullableStringPtr(revokeReason)
	s.Metadata = domain.SessionMetadata{
		IP:        ip.String,
		UserAgent: userAgent.String,
		Device:    device.String,
		Browser:   browser.String,
		OS:        osName.String,
		Country:   country.String,
		City:      city.String,
	}

	return &s, nil
}

var _ port.SessionRepository = (*SessionRepository)(nil)
