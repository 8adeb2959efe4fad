// Package sha256 fingerprints artifact payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct{}

var _ harvest.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of an artifact payload. Index
// requests carry it so the index service can detect re-uploads.
func (h *Hasher) Hash(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
