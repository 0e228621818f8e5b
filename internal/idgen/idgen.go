// Package idgen generates identifiers for persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used for the record kinds this service persists.
const (
	PrefixTransaction = "tx_"
	PrefixDispute     = "dsp_"
	PrefixEntry       = "le_"
	PrefixEvent       = "evt_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID,
// e.g. "tx_9f0c6c1e2b7d4c7e8a3f5b1d2e4c6a80".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was generated with the given prefix and has
// the expected length.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
