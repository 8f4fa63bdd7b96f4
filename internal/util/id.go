package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier, prefixed by kind: "rec_3f2a...",
// "note_91c0...". IDs are minted on the editing side so optimistic items
// keep a stable identity before the server ever sees them.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
