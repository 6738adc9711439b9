package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFailsWithoutSigningSecret(t *testing.T) {
	t.Setenv("AUTH_TWO_FACTOR_ENCRYPTION_KEY", "enc-key")
	t.Setenv("AUTH_JWT_SECRET", "")

	if _, err := Load(); !errors.Is(err, ErrSigningSecretMissing) {
		t.Fatalf("expected ErrSigningSecretMissing, got %v", err)
	}
}

func TestLoadRejectsShortSigningSecret(t *testing.T) {
	t.Setenv("AUTH_TWO_FACTOR_ENCRYPTION_KEY", "enc-key")
	t.Setenv("AUTH_JWT_SECRET", "too-short")

	if _, err := Load(); !errors.Is(err, ErrSigningSecretShort) {
		t.Fatalf("expected ErrSigningSecretShort, got %v", err)
	}
}

func TestLoadReadsSecretFromFile(t *testing.T) {
	secret := strings.Repeat("s", MinSigningSecretLength)
	path := filepath.Join(t.TempDir(), "jwt.secret")
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	t.Setenv("AUTH_JWT_SECRET", "")
	t.Setenv("AUTH_JWT_SECRET_FILE", path)
	t.Setenv("AUTH_TWO_FACTOR_ENCRYPTION_KEY", "enc-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.JWT.Secret != secret {
		t.Fatalf("expected secret to be read from file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("k", MinSigningSecretLength))
	t.Setenv("AUTH_TWO_FACTOR_ENCRYPTION_KEY", "enc-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.JWT.AccessTokenTTL != 8*time.Hour {
		t.Fatalf("expected 8h access token ttl, got %s", cfg.JWT.AccessTokenTTL)
	}
	if cfg.Session.TTL != 7*24*time.Hour {
		t.Fatalf("expected 7d session ttl, got %s", cfg.Session.TTL)
	}
	if cfg.TwoFactor.MaxAttempts != 3 {
		t.Fatalf("expected 3 two-factor attempts, got %d", cfg.TwoFactor.MaxAttempts)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Fatalf("expected memory rate limit backend, got %q", cfg.RateLimit.Backend)
	}
	if cfg.App.IsProduction() {
		t.Fatalf("default env must not be production")
	}
}

func TestValidateRejectsUnknownRateLimitBackend(t *testing.T) {
	cfg := &AppConfig{
		JWT:       JWTSettings{Secret: strings.Repeat("k", MinSigningSecretLength)},
		TwoFactor: TwoFactorSettings{EncryptionKey: "enc"},
		RateLimit: RateLimitSettings{Backend: "memcached"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadForToolsSkipsSecretChecks(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	t.Setenv("AUTH_TWO_FACTOR_ENCRYPTION_KEY", "")
	t.Setenv("AUTH_POSTGRES_HOST", "db.internal")

	cfg, err := LoadForTools()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Fatalf("unexpected postgres host %q", cfg.Postgres.Host)
	}
}
