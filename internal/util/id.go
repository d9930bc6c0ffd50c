package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a prefixed random identifier such as "plan_9f2c...".
// Twelve random bytes keep plan and audit IDs short enough to read in
// log lines while leaving collisions out of practical reach.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
