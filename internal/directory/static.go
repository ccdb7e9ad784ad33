package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Viewer is a static viewer entry: a token digest and the devices it may
// watch.
type Viewer struct {
	ID          string   `json:"id"`
	TokenDigest string   `json:"token_sha256"`
	Devices     []string `json:"devices"`
}

// File is the on-disk layout read by LoadFile.
type File struct {
	Devices []Device `json:"devices"`
	Viewers []Viewer `json:"viewers"`
}

// Static is an in-memory Directory, loaded from a JSON file or built in
// code. It is safe for concurrent use.
type Static struct {
	mu      sync.RWMutex
	devices map[string]Device
	tokens  map[string]string
	access  map[string]map[string]bool
}

// NewStatic builds a directory from explicit records.
func NewStatic(devices []Device, viewers []Viewer) *Static {
	s := &Static{
		devices: make(map[string]Device, len(devices)),
		tokens:  make(map[string]string, len(viewers)),
		access:  make(map[string]map[string]bool, len(viewers)),
	}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	for _, v := range viewers {
		s.tokens[v.TokenDigest] = v.ID
		set := make(map[string]bool, len(v.Devices))
		for _, d := range v.Devices {
			set[d] = true
		}
		s.access[v.ID] = set
	}
	return s
}

// LoadFile reads a Static directory from a JSON file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}
	for i, d := range f.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("directory file %s: device %d has no id", path, i)
		}
	}
	return NewStatic(f.Devices, f.Viewers), nil
}

func (s *Static) Lookup(_ context.Context, deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

func (s *Static) AuthenticateDevice(ctx context.Context, deviceID, key string) (Device, error) {
	d, err := s.Lookup(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}
	return authenticate(d, key)
}

func (s *Static) ValidateToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[TokenDigest(token)]
	if !ok {
		return "", ErrInvalidToken
	}
	return id, nil
}

func (s *Static) CanView(_ context.Context, viewerID, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access[viewerID][deviceID], nil
}

// PutDevice adds or replaces a device record.
func (s *Static) PutDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}
