package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "ent_3f9c...". The daybook tables
// use short type prefixes (usr, ent, pol, vot); poll option ids are the one
// exception and come from google/uuid instead, since callers scan result
// text for the UUID shape.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
