package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes a stable hex-encoded SHA-256 over a book ID and track
// key. Resume-token files and recovery lookups are named by this value, so it
// must not change across releases for the same inputs.
func Fingerprint(bookID, trackKey string) string {
	h := sha256.New()
	// NUL separator cannot appear in either input.
	h.Write([]byte(strings.TrimSpace(bookID)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(trackKey)))
	return hex.EncodeToString(h.Sum(nil))
}
