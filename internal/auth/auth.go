// Package auth authenticates calls from the upstream API layer.
//
// Authentication model:
//   - The API layer holds a shared service key and sends it on every call.
//   - It has already authenticated the end user and forwards their ID in
//     X-User-ID. That ID is trusted only when the service key is valid.
//   - Authorization (buyer, seller, notary) is decided per escrow by the
//     escrow service, not here.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Manager validates service keys. Only SHA-256 digests are held in memory.
type Manager struct {
	hashes [][sha256.Size]byte
	open   bool
}

// NewManager accepts the given keys. With no keys every call is accepted,
// which is only allowed outside production.
func NewManager(keys []string) *Manager {
	m := &Manager{open: len(keys) == 0}
	for _, k := range keys {
		m.hashes = append(m.hashes, sha256.Sum256([]byte(k)))
	}
	return m
}

// Open reports whether the manager accepts unauthenticated calls.
func (m *Manager) Open() bool {
	return m.open
}

// Validate checks a raw key. "Bearer " prefixes are stripped.
func (m *Manager) Validate(raw string) error {
	if m.open {
		return nil
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return ErrNoAPIKey
	}
	sum := sha256.Sum256([]byte(raw))
	match := 0
	for _, h := range m.hashes {
		match |= subtle.ConstantTimeCompare(sum[:], h[:])
	}
	if match != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
