package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/repository"
)

// TwoFactorRepository implements port.TwoFactorRepository backed by PostgreSQL.
type TwoFactorRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewTwoFactorRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewTwoFactorRepository(exec pgExecutor) *TwoFactorRepository {
	return &TwoFactorRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Get returns the enrollment of a principal.
func (r *TwoFactorRepository) Get(ctx context.Context, principalID string) (*domain.TwoFactorSecret, error) {
	stmt, args, err := r.builder.
		Select("principal_id", "encrypted_secret", "backup_code_hashes", "enabled", "verified_at", "created_at", "updated_at").
		From("two_factor_secrets").
		Where(squirrel.Eq{"principal_id": principalID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select two factor sql: %w", err)
	}

	var (
		secret     domain.TwoFactorSecret
		verifiedAt sql.NullTime
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(
		&secret.PrincipalID,
		&secret.EncryptedSecret,
		&secret.BackupCodeHashes,
		&secret.Enabled,
		&verifiedAt,
		&secret.CreatedAt,
		&secret.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan two factor secret: %w", err)
	}
	secret.VerifiedAt = nullableTimePtr(verifiedAt)
	return &secret, nil
}

// Upsert writes the full enrollment, replacing any previous one.
func (r *TwoFactorRepository) Upsert(ctx context.Context, secret domain.TwoFactorSecret) error {
	codes := secret.BackupCodeHashes
	if codes == nil {
		codes = []string{}
	}

	stmt, args, err := r.builder.Insert("two_factor_secrets").
		Columns("principal_id", "encrypted_secret", "backup_code_hashes", "enabled", "verified_at", "created_at", "updated_at").
		Values(
			secret.PrincipalID,
			secret.EncryptedSecret,
			codes,
			secret.Enabled,
			optionalTime(secret.VerifiedAt),
			secret.CreatedAt.UTC(),
			secret.UpdatedAt.UTC(),
		).
		Suffix(`ON CONFLICT (principal_id) DO UPDATE SET
			encrypted_secret = EXCLUDED.encrypted_secret,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			enabled = EXCLUDED.enabled,
			verified_at = EXCLUDED.verified_at,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert two factor sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert two factor secret: %w", err)
	}
	return nil
}

// ConsumeBackupCode removes codeHash in a single statement so two concurrent
// requests cannot both use the same code.
func (r *TwoFactorRepository) ConsumeBackupCode(ctx context.Context, principalID string, codeHash string) (bool, error) {
	stmt, args, err := r.builder.Update("two_factor_secrets").
		Set("backup_code_hashes", squirrel.Expr("array_remove(backup_code_hashes, ?)", codeHash)).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"principal_id": principalID}).
		Where(squirrel.Expr("? = ANY(backup_code_hashes)", codeHash)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build consume backup code sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceBackupCodes swaps the whole backup code set.
func (r *TwoFactorRepository) ReplaceBackupCodes(ctx context.Context, principalID string, codeHashes []string, at time.Time) error {
	stmt, args, err := r.builder.Update("two_factor_secrets").
		Set("backup_code_hashes", codeHashes).
		Set("updated_at", at.UTC()).
		Where(squirrel.Eq{"principal_id": principalID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build replace backup codes sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes the enrollment (two-factor disabled).
func (r *TwoFactorRepository) Delete(ctx context.Context, principalID string) error {
	stmt, args, err := r.builder.Delete("two_factor_secrets").
		Where(squirrel.Eq{"principal_id": principalID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete two factor sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete two factor secret: %w", err)
	}
	return nil
}

var _ port.TwoFactorRepository = (*TwoFactorRepository)(nil)
