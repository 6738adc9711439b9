package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/repository"
)

const defaultResetTokenPrefix = "password_reset"

// ResetTokenStore keeps hashed password reset tokens until they are used or expire.
type ResetTokenStore struct {
	client *red.Client
	prefix string
}

// NewResetTokenStore constructs a store with the provided Redis client and key prefix.
func NewResetTokenStore(client *red.Client, keyPrefix string) *ResetTokenStore {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultResetTokenPrefix
	}
	return &ResetTokenStore{client: client, prefix: prefix}
}

// Save binds tokenHash to principalID for ttl.
func (s *ResetTokenStore) Save(ctx context.Context, tokenHash string, principalID string, ttl time.Duration) error {
	switch {
	case strings.TrimSpace(tokenHash) == "":
		return errors.New("token hash is required")
	case strings.TrimSpace(principalID) == "":
		return errors.New("principal id is required")
	case ttl <= 0:
		return errors.New("ttl must be positive")
	}

	if err := s.client.Set(ctx, s.key(tokenHash), principalID, ttl).Err(); err != nil {
		return fmt.Errorf("redis store reset token: %w", err)
	}
	return nil
}

// Consume returns the principal bound to tokenHash and deletes the entry in
// the same round trip, so a token can be redeemed only once.
func (s *ResetTokenStore) Consume(ctx context.Context, tokenHash string) (string, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return "", repository.ErrNotFound
	}

	principalID, err := s.client.GetDel(ctx, s.key(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("redis consume reset token: %w", err)
	}
	return principalID, nil
}

func (s *ResetTokenStore) key(tokenHash string) string {
	return fmt.Sprintf("%s:%s", s.prefix, strings.TrimSpace(tokenHash))
}

var _ port.ResetTokenStore = (*ResetTokenStore)(nil)
