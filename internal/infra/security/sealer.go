package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/lledo-industries/auth-core/internal/core/port"
)

const nonceSize = 24

var errSealedInvalid = errors.New("sealer: ciphertext invalid")

// SecretBoxSealer encrypts TOTP secrets at rest with NaCl secretbox.
type SecretBoxSealer struct {
	key [32]byte
}

var _ port.SecretSealer = (*SecretBoxSealer)(nil)

// NewSecretBoxSealer derives a 256-bit key from the configured passphrase.
func NewSecretBoxSealer(passphrase string) (*SecretBoxSealer, error) {
	if passphrase == "" {
		return nil, errors.New("sealer: passphrase is required")
	}
	return &SecretBoxSealer{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Seal returns base64url(nonce || box).
func (s *SecretBoxSealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("sealer: nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *SecretBoxSealer) Open(sealed string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return "", errSealedInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errSealedInvalid
	}
	return string(plain), nil
}
