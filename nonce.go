package treecrypt

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

const (
	// RunSeedSize is the random prefix shared by every file nonce of a run
	RunSeedSize = 16

	// FileNonceSize is the per-file nonce: run seed followed by a
	// big-endian counter
	FileNonceSize = RunSeedSize + 8
)

// NonceSource hands out per-file nonces for one run. Nonces are unique
// within the run by construction and across runs with overwhelming
// probability because of the random seed.
type NonceSource struct {
	mu   sync.Mutex
	seed [RunSeedSize]byte
	next uint64
}

// NewNonceSource creates a source with a fresh random seed
func NewNonceSource() (*NonceSource, error) {
	s := &NonceSource{}
	if _, err := rand.Read(s.seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate run seed: %w", err)
	}
	return s, nil
}

// Seed returns a copy of the run seed
func (s *NonceSource) Seed() []byte {
	return append([]byte(nil), s.seed[:]...)
}

// Next returns the next nonce. It is safe for concurrent use.
func (s *NonceSource) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	nonce := make([]byte, FileNonceSize)
	copy(nonce, s.seed[:])
	binary.BigEndian.PutUint64(nonce[RunSeedSize:], s.next)
	s.next++
	return nonce, nil
}

// HasSeed reports whether nonce was produced by a source with seed.
func HasSeed(nonce, seed []byte) bool {
	return len(nonce) == FileNonceSize && len(seed) == RunSeedSize && bytes.Equal(nonce[:RunSeedSize], seed)
}
