// Package directory answers the questions the relay asks about devices and
// viewers: does a device exist, is its key valid, which viewer owns a
// token, and may that viewer watch a device. Device and user management
// live elsewhere; this package only reads.
package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrDeviceNotFound = errors.New("directory: device not found")
	ErrInvalidKey     = errors.New("directory: invalid device key")
	ErrInvalidToken   = errors.New("directory: invalid viewer token")
)

// Device is the registration record for one doorbell.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// KeyHash is a PBKDF2 hash produced by HashKey.
	KeyHash string `json:"key_hash"`
}

// Directory is the read-only collaborator consumed by ingest and relay.
type Directory interface {
	Lookup(ctx context.Context, deviceID string) (Device, error)
	AuthenticateDevice(ctx context.Context, deviceID, key string) (Device, error)
	ValidateToken(ctx context.Context, token string) (viewerID string, err error)
	CanView(ctx context.Context, viewerID, deviceID string) (bool, error)
}

// TokenDigest is the form viewer tokens are stored in: hex SHA-256. Tokens
// are high-entropy bearer secrets, so a fast digest is enough to keep them
// out of storage in the clear while allowing direct lookup.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func authenticate(d Device, key string) (Device, error) {
	if key == "" || d.KeyHash == "" {
		return Device{}, ErrInvalidKey
	}
	if err := VerifyKey(d.KeyHash, key); err != nil {
		return Device{}, err
	}
	return d, nil
}
