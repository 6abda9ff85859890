package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hasher derives the server-side verifiable patient hash from the
// client-supplied pre-hash. The pre-hash is an opaque digest produced on the
// client from the raw patient identifier (NHS number + date of birth); the
// raw identifier never reaches this service. Mixing in the server-held
// pepper means the pre-hash alone is insufficient to forge a match.
//
// The pepper is injected at construction so tests can run with fixture
// secrets; its presence is enforced at startup by config validation.
type Hasher struct {
	pepper string
}

func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: pepper}
}

// Derive returns the lowercase hex SHA-256 of the pre-hash concatenated with
// the pepper. Deterministic and pure: the same pre-hash under the same
// pepper always yields the same output.
func (h *Hasher) Derive(preHash string) string {
	sum := sha256.Sum256([]byte(preHash + h.pepper))
	return hex.EncodeToString(sum[:])
}

// Verify re-derives the hash for preHash and compares it against storedHash
// in constant time, so the comparison leaks nothing about how much of the
// hash matched.
func (h *Hasher) Verify(preHash, storedHash string) bool {
	derived := h.Derive(preHash)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(storedHash)) == 1
}
