package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "rpt_7f3a…". Entity prefixes keep
// IDs recognizable in logs and change-log payloads.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
