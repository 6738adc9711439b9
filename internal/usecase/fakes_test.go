package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/infra/dispatch"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
	"github.com/lledo-industries/auth-core/internal/repository"
)

var errStoreDown = errors.New("store unavailable")

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return metrics
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memPrincipals struct {
	mu     sync.Mutex
	byID   map[string]domain.Principal
	getErr error
}

func newMemPrincipals(principals ...domain.Principal) *memPrincipals {
	repo := &memPrincipals{byID: make(map[string]domain.Principal)}
	for _, p := range principals {
		repo.byID[p.ID] = p
	}
	return repo
}

func (r *memPrincipals) Create(_ context.Context, p domain.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Email == p.Email {
			return repository.ErrConflict
		}
	}
	r.byID[p.ID] = p
	return nil
}

func (r *memPrincipals) GetByID(_ context.Context, id string) (*domain.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	p, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *memPrincipals) GetByEmail(_ context.Context, email string) (*domain.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, p := range r.byID {
		if p.Email == domain.NormalizeEmail(email) {
			copy := p
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memPrincipals) UpdatePassword(_ context.Context, id string, hash string, at time.Time) error {
	return r.mutate(id, func(p *domain.Principal) {
		p.PasswordHash = hash
		p.PasswordChangedAt = &at
		p.FailedLoginAttempts = 0
		p.LockedUntil = nil
	})
}

func (r *memPrincipals) UpdateRole(_ context.Context, id string, role domain.Role, company *string) error {
	return r.mutate(id, func(p *domain.Principal) {
		p.Role = role
		p.Company = company
	})
}

func (r *memPrincipals) Deactivate(_ context.Context, id string, _ time.Time) error {
	return r.mutate(id, func(p *domain.Principal) { p.IsActive = false })
}

func (r *memPrincipals) RecordLoginFailure(_ context.Context, id string, lockedUntil *time.Time) (int, error) {
	var attempts int
	err := r.mutate(id, func(p *domain.Principal) {
		p.FailedLoginAttempts++
		if lockedUntil != nil {
			p.LockedUntil = lockedUntil
		}
		attempts = p.FailedLoginAttempts
	})
	return attempts, err
}

func (r *memPrincipals) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(p *domain.Principal) {
		p.FailedLoginAttempts = 0
		p.LockedUntil = nil
		p.LastLoginAt = &at
	})
}

func (r *memPrincipals) mutate(id string, fn func(*domain.Principal)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&p)
	r.byID[id] = p
	return nil
}

func (r *memPrincipals) get(id string) domain.Principal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

type memSessions struct {
	mu        sync.Mutex
	byID      map[string]domain.Session
	getErr    error
	revokeErr error
}

func newMemSessions() *memSessions {
	return &memSessions{byID: make(map[string]domain.Session)}
}

func (r *memSessions) Create(_ context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return repository.ErrConflict
	}
	r.byID[s.ID] = s
	return nil
}

func (r *memSessions) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	s, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (r *memSessions) Revoke(_ context.Context, id string, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	changed := s.Revoke(at, reason)
	r.byID[id] = s
	return changed, nil
}

func (r *memSessions) RevokeAllExcept(_ context.Context, principalID, keep, reason string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revokeErr != nil {
		return 0, r.revokeErr
	}
	count := 0
	for id, s := range r.byID {
		if s.PrincipalID != principalID || id == keep {
			continue
		}
		if s.Revoke(at, reason) {
			count++
		}
		r.byID[id] = s
	}
	return count, nil
}

func (r *memSessions) ListActive(_ context.Context, principalID string, at time.Time) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Session, 0)
	for _, s := range r.byID {
		if s.PrincipalID == principalID && s.IsValid(at) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (r *memSessions) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.LastActivityAt = at
	r.byID[id] = s
	return nil
}

func (r *memSessions) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, s := range r.byID {
		if s.ExpiresAt.Before(before) {
			delete(r.byID, id)
			count++
		}
	}
	return count, nil
}

func (r *memSessions) get(id string) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
	err    error
}

func (r *memEvents) Insert(_ context.Context, e domain.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *memEvents) ofType(t domain.SecurityEventType) []domain.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SecurityEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type memTwoFactor struct {
	mu      sync.Mutex
	secrets map[string]domain.TwoFactorSecret
}

func newMemTwoFactor() *memTwoFactor {
	return &memTwoFactor{secrets: make(map[string]domain.TwoFactorSecret)}
}

func (r *memTwoFactor) Get(_ context.Context, principalID string) (*domain.TwoFactorSecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.secrets[principalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	s.BackupCodeHashes = append([]string(nil), s.BackupCodeHashes...)
	return &s, nil
}

func (r *memTwoFactor) Upsert(_ context.Context, s domain.TwoFactorSecret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[s.PrincipalID] = s
	return nil
}

func (r *memTwoFactor) ConsumeBackupCode(_ context.Context, principalID, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.secrets[principalID]
	if !ok {
		return false, nil
	}
	for i, h := range s.BackupCodeHashes {
		if h == hash {
			s.BackupCodeHashes = append(s.BackupCodeHashes[:i:i], s.BackupCodeHashes[i+1:]...)
			r.secrets[principalID] = s
			return true, nil
		}
	}
	return false, nil
}

func (r *memTwoFactor) ReplaceBackupCodes(_ context.Context, principalID string, hashes []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.secrets[principalID]
	if !ok {
		return repository.ErrNotFound
	}
	s.BackupCodeHashes = hashes
	s.UpdatedAt = at
	r.secrets[principalID] = s
	return nil
}

func (r *memTwoFactor) Delete(_ context.Context, principalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.secrets, principalID)
	return nil
}

type memChallenges struct {
	mu         sync.Mutex
	challenges map[string]domain.LoginChallenge
	readers    *sync.WaitGroup
	held       int
}

func newMemChallenges() *memChallenges {
	return &memChallenges{challenges: make(map[string]domain.LoginChallenge)}
}

// holdReads makes the next n Get calls wait for each other, so every caller
// works from the same snapshot before any of them settles.
func (s *memChallenges) holdReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wg := &sync.WaitGroup{}
	wg.Add(n)
	s.readers = wg
	s.held = n
}

func (s *memChallenges) Save(_ context.Context, c domain.LoginChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.ID] = c
	return nil
}

func (s *memChallenges) Get(_ context.Context, id string) (*domain.LoginChallenge, error) {
	s.mu.Lock()
	c, ok := s.challenges[id]
	readers := s.readers
	if readers != nil {
		s.held--
		if s.held == 0 {
			s.readers = nil
		}
	}
	s.mu.Unlock()

	if readers != nil {
		readers.Done()
		readers.Wait()
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *memChallenges) Settle(_ context.Context, id string, correct bool, at time.Time) (domain.ChallengeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	switch c.State(at) {
	case domain.ChallengeLocked:
		return domain.ChallengeLocked, nil
	case domain.ChallengeExpired:
		delete(s.challenges, id)
		return domain.ChallengeExpired, nil
	}
	if correct {
		delete(s.challenges, id)
		return domain.ChallengeVerified, nil
	}
	c.Attempts++
	s.challenges[id] = c
	return c.State(at), nil
}

func (s *memChallenges) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}

func (s *memChallenges) DeleteForPrincipal(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.challenges {
		if c.PrincipalID == principalID {
			delete(s.challenges, id)
		}
	}
	return nil
}

type memResets struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemResets() *memResets {
	return &memResets{tokens: make(map[string]string)}
}

func (s *memResets) Save(_ context.Context, hash, principalID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[hash] = principalID
	return nil
}

func (s *memResets) Consume(_ context.Context, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[hash]
	if !ok {
		return "", repository.ErrNotFound
	}
	delete(s.tokens, hash)
	return id, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	codes   map[string]string
	links   map[string]string
	changed []string
	sendErr error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{codes: make(map[string]string), links: make(map[string]string)}
}

func (n *recordingNotifier) SendLoginCode(_ context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[email] = code
	return n.sendErr
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, email, link string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[email] = link
	return n.sendErr
}

func (n *recordingNotifier) SendPasswordChanged(_ context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, email)
	return n.sendErr
}

func (n *recordingNotifier) code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

type stubHasher struct{}

func (stubHasher) Hash(password string) (string, error) {
	return "hashed:" + password, nil
}

func (stubHasher) Verify(password, encoded string) (bool, error) {
	return encoded == "hashed:"+password, nil
}

type stubPolicy struct{}

func (stubPolicy) Validate(password string) error {
	if len(password) < 8 {
		return &security.PasswordValidationError{Code: "min_length", Message: "password must be at least 8 characters long"}
	}
	return nil
}

type stubSealer struct{}

func (stubSealer) Seal(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

func (stubSealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(sealed, "sealed:"), nil
}

const (
	stubTOTPSecret = "JBSWY3DPEHPK3PXP"
	stubTOTPCode   = "654321"
)

type stubTOTP struct{}

func (stubTOTP) Generate(account string) (security.TOTPEnrollment, error) {
	return security.TOTPEnrollment{
		Secret: stubTOTPSecret,
		URL:    "otpauth://totp/LLEDO:" + account + "?secret=" + stubTOTPSecret,
	}, nil
}

func (stubTOTP) Validate(code, secret string) (bool, error) {
	return secret == stubTOTPSecret && code == stubTOTPCode, nil
}

// inlineJobs runs submitted jobs synchronously so tests observe their effects.
type inlineJobs struct {
	mu     sync.Mutex
	names  []string
	reject bool
}

func (j *inlineJobs) Submit(job dispatch.Job) bool {
	j.mu.Lock()
	j.names = append(j.names, job.Name)
	reject := j.reject
	j.mu.Unlock()
	if reject {
		return false
	}
	_ = job.Run(context.Background())
	return true
}

type fixture struct {
	clock      *testClock
	principals *memPrincipals
	sessions   *memSessions
	events     *memEvents
	secrets    *memTwoFactor
	challenges *memChallenges
	resets     *memResets
	notifier   *recordingNotifier
	jobs       *inlineJobs
	codec      *security.TokenCodec

	audit     *AuditLog
	registry  *SessionRegistry
	twoFactor *TwoFactorService
	auth      *AuthService
	resolver  *PrincipalResolver
	passwords *PasswordService
}

func newFixture(t *testing.T, principals ...domain.Principal) *fixture {
	t.Helper()

	f := &fixture{
		clock:      newTestClock(),
		principals: newMemPrincipals(principals...),
		sessions:   newMemSessions(),
		events:     &memEvents{},
		secrets:    newMemTwoFactor(),
		challenges: newMemChallenges(),
		resets:     newMemResets(),
		notifier:   newRecordingNotifier(),
		jobs:       &inlineJobs{},
	}

	codec, err := security.NewTokenCodec(testSecret, "auth-core-test", security.WithCodecClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	f.codec = codec

	f.audit = NewAuditLog(f.events, f.jobs, WithAuditClock(f.clock.Now))
	f.registry = NewSessionRegistry(f.sessions, WithSessionClock(f.clock.Now))
	f.twoFactor = NewTwoFactorService(TwoFactorDeps{
		Challenges: f.challenges,
		Secrets:    f.secrets,
		TOTP:       stubTOTP{},
		Sealer:     stubSealer{},
		Hasher:     stubHasher{},
		Notifier:   f.notifier,
		Jobs:       f.jobs,
		Audit:      f.audit,
	}, TwoFactorConfig{}, WithTwoFactorClock(f.clock.Now))
	f.auth = NewAuthService(AuthDeps{
		Principals: f.principals,
		Hasher:     stubHasher{},
		TwoFactor:  f.twoFactor,
		Sessions:   f.registry,
		Tokens:     codec,
		Audit:      f.audit,
	}, AuthConfig{TokenTTL: 8 * time.Hour, Lockout: domain.DefaultLockoutPolicy()}, WithAuthClock(f.clock.Now))
	f.resolver = NewPrincipalResolver(codec, f.registry, f.principals)
	f.passwords = NewPasswordService(PasswordDeps{
		Principals: f.principals,
		Hasher:     stubHasher{},
		Policy:     stubPolicy{},
		Sessions:   f.registry,
		Resets:     f.resets,
		Notifier:   f.notifier,
		Jobs:       f.jobs,
		Audit:      f.audit,
	}, PasswordConfig{ResetURL: "https://lledo.example/reset"}, WithPasswordClock(f.clock.Now))

	return f
}

func testAdmin() domain.Principal {
	company := "LLEDO"
	return domain.Principal{
		ID:           "admin-1",
		Email:        "admin@lledo.example",
		Name:         "Admin",
		PasswordHash: "hashed:Sup3rSecret",
		Role:         domain.RoleAdmin,
		Company:      &company,
		IsActive:     true,
	}
}

func testCustomer() domain.Principal {
	return domain.Principal{
		ID:           "customer-1",
		Email:        "client@example.com",
		Name:         "Client",
		PasswordHash: "hashed:Cl1entPass",
		Role:         domain.RoleCustomer,
		IsActive:     true,
	}
}

var testMeta = RequestMeta{IP: "203.0.113.7", UserAgent: "Mozilla/5.0"}
