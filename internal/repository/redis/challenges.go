package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/repository"
)

const (
	defaultChallengePrefix = "challenge"

	fieldPrincipalID = "principal_id"
	fieldMethod      = "method"
	fieldCodeHash    = "code_hash"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldCreatedAt   = "created_at"
	fieldExpiresAt   = "expires_at"
)

// ChallengeStore persists login challenges as Redis hashes so that a
// handshake can span several instances. Each principal also owns a set of
// its open challenge ids.
type ChallengeStore struct {
	client *red.Client
	prefix string
	now    func() time.Time
}

// NewChallengeStore constructs a store with the provided Redis client and key prefix.
func NewChallengeStore(client *red.Client, keyPrefix string) *ChallengeStore {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultChallengePrefix
	}

	return &ChallengeStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *ChallengeStore) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Save stores the challenge until its expiry.
func (s *ChallengeStore) Save(ctx context.Context, c domain.LoginChallenge) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return errors.New("challenge id is required")
	case strings.TrimSpace(c.PrincipalID) == "":
		return errors.New("principal id is required")
	}

	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("challenge already expired")
	}

	key := s.challengeKey(c.ID)
	index := s.principalKey(c.PrincipalID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldPrincipalID: c.PrincipalID,
		fieldMethod:      string(c.Method),
		fieldCodeHash:    c.CodeHash,
		fieldAttempts:    strconv.Itoa(c.Attempts),
		fieldMaxAttempts: strconv.Itoa(c.MaxAttempts),
		fieldCreatedAt:   strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
		fieldExpiresAt:   strconv.FormatInt(c.ExpiresAt.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, index, c.ID)
	pipe.Expire(ctx, index, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store challenge: %w", err)
	}
	return nil
}

// Get loads a challenge. Missing or evicted challenges return repository.ErrNotFound.
func (s *ChallengeStore) Get(ctx context.Context, challengeID string) (*domain.LoginChallenge, error) {
	if strings.TrimSpace(challengeID) == "" {
		return nil, repository.ErrNotFound
	}

	values, err := s.client.HGetAll(ctx, s.challengeKey(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall challenge: %w", err)
	}
	if len(values) == 0 || values[fieldPrincipalID] == "" {
		return nil, repository.ErrNotFound
	}

	createdAt, err := parseUnixNano(values[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := parseUnixNano(values[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	return &domain.LoginChallenge{
		ID:          challengeID,
		PrincipalID: values[fieldPrincipalID],
		Method:      domain.ChallengeMethod(values[fieldMethod]),
		CodeHash:    values[fieldCodeHash],
		Attempts:    atoiOrZero(values[fieldAttempts]),
		MaxAttempts: atoiOrZero(values[fieldMaxAttempts]),
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// settleScript decides a challenge answer against the stored hash.
// KEYS[1] challenge hash; ARGV: now (unix nanos), correct flag,
// principal index prefix, challenge id.
var settleScript = red.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'principal_id', 'attempts', 'max_attempts', 'expires_at')
if not h[1] then
  return 'MISSING'
end
local attempts = tonumber(h[2]) or 0
local max = tonumber(h[3]) or 0
if max > 0 and attempts >= max then
  return 'LOCKED'
end
if tonumber(h[4]) <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', ARGV[3] .. h[1], ARGV[4])
  return 'EXPIRED'
end
if ARGV[2] == '1' then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', ARGV[3] .. h[1], ARGV[4])
  return 'VERIFIED'
end
attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if max > 0 and attempts >= max then
  return 'LOCKED'
end
return 'CODE_ISSUED'
`)

const settleMissing = "MISSING"

// Settle runs the whole lock, expiry and consume decision inside Redis so
// parallel answers are serialised on the challenge key.
func (s *ChallengeStore) Settle(ctx context.Context, challengeID string, correct bool, at time.Time) (domain.ChallengeState, error) {
	if strings.TrimSpace(challengeID) == "" {
		return "", repository.ErrNotFound
	}

	flag := "0"
	if correct {
		flag = "1"
	}

	result, err := settleScript.Run(ctx, s.client,
		[]string{s.challengeKey(challengeID)},
		strconv.FormatInt(at.UnixNano(), 10),
		flag,
		s.prefix+":principal:",
		strings.TrimSpace(challengeID),
	).Text()
	if err != nil {
		return "", fmt.Errorf("redis settle challenge: %w", err)
	}

	switch result {
	case settleMissing:
		return "", repository.ErrNotFound
	case string(domain.ChallengeVerified), string(domain.ChallengeCodeIssued),
		string(domain.ChallengeLocked), string(domain.ChallengeExpired):
		return domain.ChallengeState(result), nil
	default:
		return "", fmt.Errorf("redis settle challenge: unexpected result %q", result)
	}
}

// Delete removes a challenge and its index entry. Deleting a missing
// challenge is not an error.
func (s *ChallengeStore) Delete(ctx context.Context, challengeID string) error {
	key := s.challengeKey(challengeID)

	principalID, err := s.client.HGet(ctx, key, fieldPrincipalID).Result()
	if err != nil && !errors.Is(err, red.Nil) {
		return fmt.Errorf("redis hget challenge: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if principalID != "" {
		pipe.SRem(ctx, s.principalKey(principalID), challengeID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete challenge: %w", err)
	}
	return nil
}

// DeleteForPrincipal drops every open challenge of the principal.
func (s *ChallengeStore) DeleteForPrincipal(ctx context.Context, principalID string) error {
	index := s.principalKey(principalID)

	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("redis smembers challenges: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.challengeKey(id))
	}
	keys = append(keys, index)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete principal challenges: %w", err)
	}
	return nil
}

func (s *ChallengeStore) challengeKey(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, strings.TrimSpace(id))
}

func (s *ChallengeStore) principalKey(principalID string) string {
	return fmt.Sprintf("%s:principal:%s", s.prefix, strings.TrimSpace(principalID))
}

func parseUnixNano(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, v).UTC(), nil
}

func atoiOrZero(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

var _ port.ChallengeStore = (*ChallengeStore)(nil)
