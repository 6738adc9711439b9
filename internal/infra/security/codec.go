package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

// MinSecretLength is the minimum HS256 key size accepted by NewTokenCodec.
const MinSecretLength = 32

var (
	// ErrTokenInvalid is the parent of every verification failure.
	ErrTokenInvalid = errors.New("token: invalid")
	// ErrTokenMalformed indicates the token could not be decoded.
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrTokenInvalid)
	// ErrTokenSignature indicates the signature does not match the current secret.
	ErrTokenSignature = fmt.Errorf("%w: signature mismatch", ErrTokenInvalid)
	// ErrTokenExpired indicates now is at or past the token expiry.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrTokenInvalid)

	ErrSecretTooShort = errors.New("token: signing secret too short")
)

// AccessClaims is the claim set carried by the self-issued bearer token.
type AccessClaims struct {
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	Company   string      `json:"company,omitempty"`
	SessionID string      `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject claim.
func (c *AccessClaims) PrincipalID() string {
	return c.Subject
}

// ClaimsFor builds the claim set for a principal bound to sessionID.
func ClaimsFor(p domain.Principal, sessionID string) AccessClaims {
	return AccessClaims{
		Email:     p.Email,
		Role:      p.Role,
		Company:   p.CompanyName(),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.ID,
		},
	}
}

// CodecOption customises a TokenCodec.
type CodecOption func(*TokenCodec)

// WithCodecClock overrides the time source, used by tests.
func WithCodecClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

// TokenCodec signs and verifies HS256 bearer tokens. It holds the signing
// secret read-only for the lifetime of the process.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// NewTokenCodec validates the secret and returns a ready codec.
func NewTokenCodec(secret string, issuer string, opts ...CodecOption) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes", ErrSecretTooShort, MinSecretLength)
	}

	codec := &TokenCodec{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(codec)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(codec.now),
		jwt.WithStrictDecoding(),
	}
	if codec.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(codec.issuer))
	}
	codec.parser = jwt.NewParser(parserOpts...)

	return codec, nil
}

// Issue signs claims with an absolute expiry of now+ttl.
func (c *TokenCodec) Issue(claims AccessClaims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token: subject is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token: ttl must be positive")
	}

	now := c.now().UTC()
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded claims.
// Errors never include the raw token.
func (c *TokenCodec) Verify(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}

	claims := &AccessClaims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}
