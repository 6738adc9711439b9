package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/repository"
)

func TestChallengeStore_SaveAndGet(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })

	challenge := domain.LoginChallenge{
		ID:          "ch-1",
		PrincipalID: "principal-1",
		Method:      domain.ChallengeMethodEmail,
		CodeHash:    "abc",
		MaxAttempts: 3,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}

	ctx := context.Background()
	if err := store.Save(ctx, challenge); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := store.Get(ctx, "ch-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.PrincipalID != "principal-1" || got.CodeHash != "abc" || got.MaxAttempts != 3 {
		t.Fatalf("unexpected challenge %+v", got)
	}
	if !got.ExpiresAt.Equal(challenge.ExpiresAt) {
		t.Fatalf("expected expiry %v, got %v", challenge.ExpiresAt, got.ExpiresAt)
	}

	remaining := server.TTL("challenge:ch-1")
	if remaining <= 0 || remaining > 10*time.Minute {
		t.Fatalf("expected ttl within (0, 10m], got %v", remaining)
	}

	server.FastForward(11 * time.Minute)
	if _, err := store.Get(ctx, "ch-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func saveTestChallenge(t *testing.T, store *ChallengeStore, id string, now time.Time) {
	t.Helper()
	if err := store.Save(context.Background(), domain.LoginChallenge{
		ID: id, PrincipalID: "principal-1", CodeHash: "x", MaxAttempts: 3,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
}

func TestChallengeStore_SettleCountsWrongAnswers(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()
	saveTestChallenge(t, store, "ch-2", now)

	want := []domain.ChallengeState{domain.ChallengeCodeIssued, domain.ChallengeCodeIssued, domain.ChallengeLocked}
	for i, w := range want {
		got, err := store.Settle(ctx, "ch-2", false, now)
		if err != nil {
			t.Fatalf("Settle returned error: %v", err)
		}
		if got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}

	got, err := store.Settle(ctx, "ch-2", true, now)
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if got != domain.ChallengeLocked {
		t.Fatalf("correct answer on a locked challenge must stay locked, got %s", got)
	}

	stored, err := store.Get(ctx, "ch-2")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", stored.Attempts)
	}

	if _, err := store.Settle(ctx, "missing", false, now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing challenge, got %v", err)
	}
}

func TestChallengeStore_SettleConsumesOnce(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()
	saveTestChallenge(t, store, "ch-4", now)

	got, err := store.Settle(ctx, "ch-4", true, now)
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if got != domain.ChallengeVerified {
		t.Fatalf("expected VERIFIED, got %s", got)
	}
	if server.Exists("challenge:ch-4") {
		t.Fatalf("verified challenge must be removed")
	}
	if members, _ := server.Members("challenge:principal:principal-1"); len(members) != 0 {
		t.Fatalf("expected principal index to drop the challenge, got %v", members)
	}

	if _, err := store.Settle(ctx, "ch-4", true, now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second correct answer must find nothing, got %v", err)
	}
}

func TestChallengeStore_SettleExpired(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()
	saveTestChallenge(t, store, "ch-5", now)

	got, err := store.Settle(ctx, "ch-5", true, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if got != domain.ChallengeExpired {
		t.Fatalf("expected EXPIRED at the expiry instant, got %s", got)
	}
	if server.Exists("challenge:ch-5") {
		t.Fatalf("expired challenge must be removed")
	}
}

func TestChallengeStore_SettleDoesNotRecreateConsumedChallenge(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()
	saveTestChallenge(t, store, "ch-6", now)

	if err := store.Delete(ctx, "ch-6"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Settle(ctx, "ch-6", false, now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if server.Exists("challenge:ch-6") {
		t.Fatalf("a wrong answer must not recreate a removed challenge")
	}
}

func TestChallengeStore_SettleParallelAnswers(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()

	t.Run("wrong answers cannot exceed the maximum", func(t *testing.T) {
		saveTestChallenge(t, store, "burst", now)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results = make(map[domain.ChallengeState]int)
		)
		for i := 0; i < 9; i++ {
			correct := i == 8
			wg.Add(1)
			go func() {
				defer wg.Done()
				state, err := store.Settle(ctx, "burst", correct, now)
				if errors.Is(err, repository.ErrNotFound) {
					state = "MISSING"
				} else if err != nil {
					t.Errorf("Settle returned error: %v", err)
					return
				}
				mu.Lock()
				results[state]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		if results[domain.ChallengeVerified] > 1 {
			t.Fatalf("expected at most one verification, got %v", results)
		}
		if results[domain.ChallengeCodeIssued] > 2 {
			t.Fatalf("expected at most 2 counted wrong answers before the lock, got %v", results)
		}
		if results[domain.ChallengeCodeIssued]+results[domain.ChallengeVerified] > 3 {
			t.Fatalf("answers past the maximum were accepted: %v", results)
		}
	})

	t.Run("correct answers consume once", func(t *testing.T) {
		saveTestChallenge(t, store, "race", now)

		var (
			wg       sync.WaitGroup
			verified atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				state, err := store.Settle(ctx, "race", true, now)
				if err == nil && state == domain.ChallengeVerified {
					verified.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := verified.Load(); got != 1 {
			t.Fatalf("expected exactly one verification, got %d", got)
		}
	})
}

func TestChallengeStore_DeleteForPrincipal(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.Save(ctx, domain.LoginChallenge{
			ID: id, PrincipalID: "principal-1", CodeHash: "x", MaxAttempts: 3,
			CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		}); err != nil {
			t.Fatalf("Save returned error: %v", err)
		}
	}
	if err := store.Save(ctx, domain.LoginChallenge{
		ID: "other", PrincipalID: "principal-2", CodeHash: "x", MaxAttempts: 3,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if err := store.DeleteForPrincipal(ctx, "principal-1"); err != nil {
		t.Fatalf("DeleteForPrincipal returned error: %v", err)
	}

	if server.Exists("challenge:a") || server.Exists("challenge:b") {
		t.Fatalf("expected principal challenges to be removed")
	}
	if !server.Exists("challenge:other") {
		t.Fatalf("other principal challenge must survive")
	}
}

func TestChallengeStore_DeleteIsIdempotent(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	ctx := context.Background()
	if err := store.Save(ctx, domain.LoginChallenge{
		ID: "ch-3", PrincipalID: "principal-1", CodeHash: "x", MaxAttempts: 3,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if err := store.Delete(ctx, "ch-3"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := store.Delete(ctx, "ch-3"); err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
	if _, err := store.Get(ctx, "ch-3"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChallengeStore_SaveRejectsExpired(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewChallengeStore(client, "challenge")

	now := time.Now().UTC()
	err := store.Save(context.Background(), domain.LoginChallenge{
		ID: "late", PrincipalID: "principal-1", CreatedAt: now, ExpiresAt: now.Add(-time.Second),
	})
	if err == nil {
		t.Fatalf("expected error for expired challenge")
	}
}
