package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/satriahrh/llama-lens/domain"
)

// New returns a domain.Hasher backed by SHA‑256. Captures are fingerprinted
// with it so logs can tell two screenshots apart without holding the pixels.
func New() domain.Hasher { return sha256Hasher{} }

type sha256Hasher struct{}

func (h sha256Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
