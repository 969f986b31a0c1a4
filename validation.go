package treecrypt

import (
	"fmt"
	"path"
	"strings"
)

// KDF bounds. Manifests carrying parameters outside these ranges are
// rejected before any derivation runs.
const (
	MinArgon2Time      = 1
	MaxArgon2Time      = 10
	MinArgon2MemoryKiB = 8 * 1024
	MaxArgon2MemoryKiB = 1024 * 1024
	MinArgon2Threads   = 1
	MaxArgon2Threads   = 16

	MinScryptLogN = 10
	MaxScryptLogN = 22
	MinScryptR    = 1
	MaxScryptR    = 32
	MinScryptP    = 1
	MaxScryptP    = 16
)

// Validate checks that the parameters are within the accepted cost bounds
func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case KDFArgon2id:
		if err := validateRange("KDF.Time", uint64(p.Time), MinArgon2Time, MaxArgon2Time); err != nil {
			return err
		}
		if err := validateRange("KDF.MemoryKiB", uint64(p.MemoryKiB), MinArgon2MemoryKiB, MaxArgon2MemoryKiB); err != nil {
			return err
		}
		return validateRange("KDF.Threads", uint64(p.Threads), MinArgon2Threads, MaxArgon2Threads)
	case KDFScrypt:
		if err := validateRange("KDF.ScryptLogN", uint64(p.ScryptLogN), MinScryptLogN, MaxScryptLogN); err != nil {
			return err
		}
		if err := validateRange("KDF.ScryptR", uint64(p.ScryptR), MinScryptR, MaxScryptR); err != nil {
			return err
		}
		if err := validateRange("KDF.ScryptP", uint64(p.ScryptP), MinScryptP, MaxScryptP); err != nil {
			return err
		}
		// scrypt needs 128*N*r bytes; hold it to the same cap as Argon2id
		if mem := uint64(128) << p.ScryptLogN * uint64(p.ScryptR); mem > MaxArgon2MemoryKiB*1024 {
			return &ValidationError{
				Field:   "KDF.ScryptR",
				Value:   p.ScryptR,
				Message: fmt.Sprintf("scrypt memory cost %d bytes exceeds %d", mem, MaxArgon2MemoryKiB*1024),
			}
		}
		return nil
	default:
		return NewValidationError("KDF.Algorithm", p.Algorithm, "unsupported kdf algorithm")
	}
}

func validateRange(field string, v, lo, hi uint64) error {
	if v < lo || v > hi {
		return &ValidationError{
			Field:   field,
			Value:   v,
			Message: fmt.Sprintf("must be between %d and %d", lo, hi),
		}
	}
	return nil
}

// ValidateChunkSize checks that size is within [MinChunkSize, MaxChunkSize]
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return &ValidationError{
			Field:   "ChunkSize",
			Value:   size,
			Message: fmt.Sprintf("must be between %d and %d bytes", MinChunkSize, MaxChunkSize),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateNonce checks if a per-file nonce has the expected size
func ValidateNonce(nonce []byte) error {
	if len(nonce) != FileNonceSize {
		return &ValidationError{
			Field:   "nonce",
			Value:   len(nonce),
			Message: fmt.Sprintf("invalid nonce size: got %d bytes, expected %d bytes", len(nonce), FileNonceSize),
		}
	}
	return nil
}

// ValidateRelPath checks that p is a clean, slash-separated path that stays
// inside the root it is relative to.
func ValidateRelPath(p string) error {
	switch {
	case p == "" || p == ".":
		return NewValidationError("rel_path", p, "path cannot be empty")
	case strings.HasPrefix(p, "/") || strings.Contains(p, "\x00"):
		return NewValidationError("rel_path", p, "path must be relative")
	case path.Clean(p) != p:
		return NewValidationError("rel_path", p, "path is not clean")
	case p == ".." || strings.HasPrefix(p, "../"):
		return NewValidationError("rel_path", p, "path escapes the root")
	}
	return nil
}
