package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}

func TestIssueChallengeSendsHashedEmailCode(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, err := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if issued.Method != domain.ChallengeMethodEmail {
		t.Fatalf("expected email method, got %s", issued.Method)
	}
	if !issued.ExpiresAt.Equal(f.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", issued.ExpiresAt)
	}

	code := f.notifier.code(admin.Email)
	if len(code) != 6 {
		t.Fatalf("expected a 6 digit code, got %q", code)
	}

	stored, err := f.challenges.Get(ctx, issued.ID)
	if err != nil {
		t.Fatalf("challenge not stored: %v", err)
	}
	if stored.CodeHash == code || stored.CodeHash == "" {
		t.Fatalf("code must be stored hashed")
	}
	if stored.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts %d", stored.MaxAttempts)
	}
	if len(f.events.ofType(domain.EventOTPIssued)) != 1 {
		t.Fatalf("expected OTP_ISSUED audit event")
	}
}

func TestVerifyChallengeConsumesCode(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	code := f.notifier.code(admin.Email)

	challenge, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, code, testMeta)
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if challenge.PrincipalID != admin.ID {
		t.Fatalf("unexpected principal %q", challenge.PrincipalID)
	}

	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, code, testMeta); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("replayed code must fail, got %v", err)
	}
}

func TestVerifyChallengeLocksAfterMaxAttempts(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	code := f.notifier.code(admin.Email)
	bad := wrongCode(code)

	for i := 1; i <= 2; i++ {
		if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, bad, testMeta); !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("attempt %d: expected ErrCodeInvalid, got %v", i, err)
		}
	}
	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, bad, testMeta); !errors.Is(err, ErrCodeLocked) {
		t.Fatalf("third wrong code must lock, got %v", err)
	}
	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, code, testMeta); !errors.Is(err, ErrCodeLocked) {
		t.Fatalf("correct code after lock must fail, got %v", err)
	}

	blocked := 0
	for _, e := range f.events.ofType(domain.EventOTPFailure) {
		if e.Status == domain.EventStatusBlocked {
			blocked++
		}
	}
	if blocked < 1 {
		t.Fatalf("expected a BLOCKED OTP failure in the audit trail")
	}
}

func TestVerifyChallengeParallelGuessesShareTheLock(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	code := f.notifier.code(admin.Email)
	bad := wrongCode(code)

	const guesses = 8
	f.challenges.holdReads(guesses)

	var wg sync.WaitGroup
	errs := make(chan error, guesses)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, bad, testMeta)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	invalid := 0
	for err := range errs {
		switch {
		case errors.Is(err, ErrCodeInvalid):
			invalid++
		case errors.Is(err, ErrCodeLocked):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if invalid != 2 {
		t.Fatalf("expected 2 wrong codes before the lock, got %d", invalid)
	}

	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, code, testMeta); !errors.Is(err, ErrCodeLocked) {
		t.Fatalf("correct code after a parallel burst must fail, got %v", err)
	}
}

func TestVerifyChallengeMixedBurstNeverExceedsMaxAttempts(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	code := f.notifier.code(admin.Email)
	bad := wrongCode(code)

	const callers = 9
	f.challenges.holdReads(callers)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]int)
	)
	for i := 0; i < callers; i++ {
		answer := bad
		if i == callers-1 {
			answer = code
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := "success"
			if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, answer, testMeta); err != nil {
				outcome = err.Error()
			}
			mu.Lock()
			results[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if results["success"] > 1 {
		t.Fatalf("challenge verified more than once: %v", results)
	}
	if results[ErrCodeInvalid.Error()]+results["success"] > 3 {
		t.Fatalf("answers past the attempt limit were evaluated: %v", results)
	}
}

func TestVerifyChallengeParallelCorrectCodesConsumeOnce(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	code := f.notifier.code(admin.Email)

	const callers = 4
	f.challenges.holdReads(callers)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		expired   atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, code, testMeta)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrCodeExpired):
				expired.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || expired.Load() != callers-1 {
		t.Fatalf("expected one success and %d expired, got %d and %d", callers-1, successes.Load(), expired.Load())
	}
	if got := len(f.events.ofType(domain.EventTwoFactorVerified)); got != 1 {
		t.Fatalf("expected one TWO_FACTOR_VERIFIED event, got %d", got)
	}
}

func TestVerifyChallengeExpires(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	code := f.notifier.code(admin.Email)

	f.clock.Advance(10 * time.Minute)
	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, code, testMeta); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if _, err := f.challenges.Get(ctx, issued.ID); err == nil {
		t.Fatalf("expired challenge should be removed")
	}
}

func TestIssueChallengeInvalidatesPrevious(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	first, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	firstCode := f.notifier.code(admin.Email)
	second, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)

	if _, err := f.twoFactor.VerifyChallenge(ctx, first.ID, firstCode, testMeta); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("previous challenge must be gone, got %v", err)
	}
	if _, err := f.twoFactor.VerifyChallenge(ctx, second.ID, f.notifier.code(admin.Email), testMeta); err != nil {
		t.Fatalf("latest challenge should verify: %v", err)
	}
}

func enrollTOTP(t *testing.T, f *fixture, p domain.Principal) []string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := f.twoFactor.BeginEnrollment(ctx, p)
	if err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	if len(enrollment.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(enrollment.BackupCodes))
	}
	if err := f.twoFactor.ConfirmEnrollment(ctx, p, stubTOTPCode, testMeta); err != nil {
		t.Fatalf("ConfirmEnrollment: %v", err)
	}
	return enrollment.BackupCodes
}

func TestEnrollmentLifecycle(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()

	if _, err := f.twoFactor.BeginEnrollment(ctx, admin); err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	stored, _ := f.secrets.Get(ctx, admin.ID)
	if stored.Enabled {
		t.Fatalf("enrollment must stay disabled until confirmed")
	}
	if stored.EncryptedSecret == stubTOTPSecret {
		t.Fatalf("secret must be sealed at rest")
	}

	if err := f.twoFactor.ConfirmEnrollment(ctx, admin, "000000", testMeta); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
	if err := f.twoFactor.ConfirmEnrollment(ctx, admin, stubTOTPCode, testMeta); err != nil {
		t.Fatalf("ConfirmEnrollment: %v", err)
	}
	if _, err := f.twoFactor.BeginEnrollment(ctx, admin); !errors.Is(err, ErrTwoFactorAlreadyEnabled) {
		t.Fatalf("expected ErrTwoFactorAlreadyEnabled, got %v", err)
	}

	codes, err := f.twoFactor.RegenerateBackupCodes(ctx, admin, stubTOTPCode)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}

	if err := f.twoFactor.Disable(ctx, admin, "wrong-password", testMeta); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.twoFactor.Disable(ctx, admin, "Sup3rSecret", testMeta); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if enabled, _ := f.twoFactor.Status(ctx, admin.ID); enabled {
		t.Fatalf("two-factor should be disabled")
	}
	if err := f.twoFactor.Disable(ctx, admin, "Sup3rSecret", testMeta); !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("expected ErrTwoFactorNotEnabled, got %v", err)
	}
}

func TestTOTPChallenge(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()
	enrollTOTP(t, f, admin)

	issued, err := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if issued.Method != domain.ChallengeMethodTOTP {
		t.Fatalf("expected totp method, got %s", issued.Method)
	}
	if code := f.notifier.code(admin.Email); code != "" {
		t.Fatalf("no email code should be sent to TOTP principals")
	}

	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, "111111", testMeta); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
	if _, err := f.twoFactor.VerifyChallenge(ctx, issued.ID, stubTOTPCode, testMeta); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()
	codes := enrollTOTP(t, f, admin)

	first, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	if _, err := f.twoFactor.VerifyBackupCode(ctx, first.ID, codes[0], testMeta); err != nil {
		t.Fatalf("VerifyBackupCode: %v", err)
	}
	if len(f.events.ofType(domain.EventBackupCodeUsed)) != 1 {
		t.Fatalf("expected BACKUP_CODE_USED audit event")
	}

	second, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)
	if _, err := f.twoFactor.VerifyBackupCode(ctx, second.ID, codes[0], testMeta); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("reused backup code must fail, got %v", err)
	}

	stored, _ := f.secrets.Get(ctx, admin.ID)
	if len(stored.BackupCodeHashes) != len(codes)-1 {
		t.Fatalf("expected %d remaining codes, got %d", len(codes)-1, len(stored.BackupCodeHashes))
	}
}

func TestBackupCodeParallelUseConsumesChallengeOnce(t *testing.T) {
	admin := testAdmin()
	f := newFixture(t, admin)
	ctx := context.Background()
	codes := enrollTOTP(t, f, admin)

	issued, _ := f.twoFactor.IssueChallenge(ctx, admin, testMeta)

	f.challenges.holdReads(2)
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for _, c := range codes[:2] {
		wg.Add(1)
		go func(backup string) {
			defer wg.Done()
			if _, err := f.twoFactor.VerifyBackupCode(ctx, issued.ID, backup, testMeta); err == nil {
				successes.Add(1)
			}
		}(c)
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected one backup code to pass the challenge, got %d", got)
	}
}
