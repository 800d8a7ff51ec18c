// Package runstore persists run status and per-chunk artifacts in SQLite so an
// interrupted run can resume without redoing converted chunks.
package runstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Fingerprint hashes parts into a stable hex key. Parts are length-prefixed so
// that different splits of the same bytes never collide.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	var prefix [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range prefix {
			prefix[i] = byte(n >> (8 * i))
		}
		h.Write(prefix[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileFingerprint hashes the contents of the file at path.
func FileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
