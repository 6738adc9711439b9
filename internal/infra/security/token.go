package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// GenerateNumericCode returns a uniformly random numeric string of the given length.
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	ten := big.NewInt(10)
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}

	return string(digits), nil
}

// GenerateSecureToken returns a base64 URL-safe random string using the specified number of random bytes.
func GenerateSecureToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken calculates a SHA-256 hash of the provided value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// GenerateBackupCodes returns count recovery codes formatted XXXX-XXXX.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}

	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	buf := make([]byte, 4)
	for len(codes) < count {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := strings.ToUpper(hex.EncodeToString(buf))
		code := raw[:4] + "-" + raw[4:]
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// NormalizeBackupCode accepts user input with or without the dash and in any case.
func NormalizeBackupCode(input string) string {
	cleaned := strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(input)))
	if len(cleaned) != 8 {
		return cleaned
	}
	return cleaned[:4] + "-" + cleaned[4:]
}

// HashBackupCode normalises then hashes a recovery code.
func HashBackupCode(input string) string {
	return HashToken(NormalizeBackupCode(input))
}

// HashBackupCodes hashes every code in codes.
func HashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(c)
	}
	return out
}
