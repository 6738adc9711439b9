package postgres

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v2"
)

func TestTwoFactorRepository_ConsumeBackupCodeOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewTwoFactorRepository(mock)

	expected := `UPDATE two_factor_secrets SET backup_code_hashes = array_remove\(backup_code_hashes, \$1\), updated_at = NOW\(\) WHERE principal_id = \$2 AND \$3 = ANY\(backup_code_hashes\)`
	mock.ExpectExec(expected).
		WithArgs("hash-1", "principal-1", "hash-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(expected).
		WithArgs("hash-1", "principal-1", "hash-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.ConsumeBackupCode(context.Background(), "principal-1", "hash-1")
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	ok, err = repo.ConsumeBackupCode(context.Background(), "principal-1", "hash-1")
	if err != nil || ok {
		t.Fatalf("second consume must fail: ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
