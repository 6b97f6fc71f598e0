// Package idgen provides ID generation for persisted records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string. Used for transactions and
// audit records, whose columns are UUID typed.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "eval_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// IsUUID reports whether s parses as a UUID. Handlers use it to reject
// malformed path parameters before they reach a UUID column.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
