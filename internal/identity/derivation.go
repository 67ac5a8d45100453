package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// SuffixGenerator produces derivation suffixes guaranteed unique per call.
// A monotonic counter is combined with fresh randomness; wall-clock time is
// deliberately not part of the suffix, so two calls within the same tick
// cannot collide.
type SuffixGenerator struct {
	counter atomic.Uint64
}

// NewSuffixGenerator creates a generator starting at zero.
func NewSuffixGenerator() *SuffixGenerator {
	return &SuffixGenerator{}
}

// Next returns a new suffix of the form "<counter>-<16 hex chars>".
func (g *SuffixGenerator) Next() string {
	n := g.counter.Add(1)
	var tail [8]byte
	if _, err := rand.Read(tail[:]); err != nil {
		// crypto/rand failing is unrecoverable; the counter alone still
		// guarantees process-local uniqueness.
		return fmt.Sprintf("%d-0", n)
	}
	return fmt.Sprintf("%d-%s", n, hex.EncodeToString(tail[:]))
}

// NewPath builds a derivation path from a prefix and a freshly generated
// suffix.
func (g *SuffixGenerator) NewPath(prefix string) DerivationPath {
	return DerivationPath{Prefix: prefix, Suffix: g.Next()}
}
