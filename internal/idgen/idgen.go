// Package idgen generates identifiers for escrow accounts, ledger entries
// and notification events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service. Keeping them here makes IDs in logs
// self-describing without a lookup.
const (
	PrefixEscrow      = "esc_"
	PrefixTransaction = "ptx_"
	PrefixEvent       = "evt_"
	PrefixRequest     = "req_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free UUID (32 hex chars).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
