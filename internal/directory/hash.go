package directory

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyHashIterations = 120000
	keyHashSaltLength = 16
	keyHashKeyLength  = 32
)

// HashKey derives the stored form of a device key:
// pbkdf2$sha256$<iterations>$<salt>$<hash>, both base64 without padding.
func HashKey(key string) (string, error) {
	salt := make([]byte, keyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, keyHashIterations, keyHashKeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		keyHashIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived)), nil
}

// VerifyKey checks candidate against an encoded hash. A mismatch returns
// ErrInvalidKey; a malformed hash returns a descriptive error.
func VerifyKey(encoded, candidate string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify key: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify key: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify key: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	if subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrInvalidKey
	}
	return nil
}
