// Package sha256 digests persisted assets so exported catalog rows and
// notifications can be matched against the files on disk.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

var _ crawler.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
