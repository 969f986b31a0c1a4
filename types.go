package treecrypt

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CipherSuite represents the AEAD algorithm used for artifacts
type CipherSuite uint8

const (
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM CipherSuite = iota + 1
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c CipherSuite) MarshalText() ([]byte, error) {
	if c != CipherAES256GCM && c != CipherChaCha20Poly1305 {
		return nil, ErrUnsupportedCipher
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *CipherSuite) UnmarshalText(text []byte) error {
	parsed, err := ParseCipherSuite(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCipherSuite accepts "aes-256-gcm" (or "aes") and "chacha20-poly1305"
// (or "chacha").
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aes-256-gcm", "aes256gcm", "aes":
		return CipherAES256GCM, nil
	case "chacha20-poly1305", "chacha20poly1305", "chacha":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, s)
	}
}

// KDFAlgorithm selects the password hashing function
type KDFAlgorithm uint8

const (
	// KDFArgon2id is Argon2id (RFC 9106)
	KDFArgon2id KDFAlgorithm = iota + 1
	// KDFScrypt is scrypt (RFC 7914)
	KDFScrypt
)

func (a KDFAlgorithm) String() string {
	switch a {
	case KDFArgon2id:
		return "argon2id"
	case KDFScrypt:
		return "scrypt"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (a KDFAlgorithm) MarshalText() ([]byte, error) {
	if a != KDFArgon2id && a != KDFScrypt {
		return nil, fmt.Errorf("unsupported kdf algorithm %d", a)
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *KDFAlgorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseKDFAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseKDFAlgorithm parses "argon2id" or "scrypt".
func ParseKDFAlgorithm(s string) (KDFAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "argon2id", "argon2":
		return KDFArgon2id, nil
	case "scrypt":
		return KDFScrypt, nil
	default:
		return 0, fmt.Errorf("unsupported kdf algorithm %q", s)
	}
}

// KDFParams contains the cost parameters for key derivation. They are
// persisted in the manifest so that decryption can reproduce the key.
type KDFParams struct {
	Algorithm KDFAlgorithm `json:"algorithm"`

	// Argon2id
	Time      uint32 `json:"time,omitempty"`       // Number of passes
	MemoryKiB uint32 `json:"memory_kib,omitempty"` // Memory in KiB (e.g., 64*1024 for 64MB)
	Threads   uint8  `json:"threads,omitempty"`    // Degree of parallelism

	// scrypt
	ScryptLogN uint8  `json:"scrypt_log_n,omitempty"` // log2 of the CPU/memory cost N
	ScryptR    uint32 `json:"scrypt_r,omitempty"`     // Block size
	ScryptP    uint32 `json:"scrypt_p,omitempty"`     // Parallelization
}

const (
	// KeySize is the size of the master key and per-file subkeys
	KeySize = 32

	// SaltSize is the size of the per-run KDF salt
	SaltSize = 32

	// DefaultChunkSize is the default plaintext chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (4 KB)
	MinChunkSize = 4 * 1024

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// DefaultMinPasswordLength is the minimum password length in runes
	DefaultMinPasswordLength = 8

	// DefaultMaxRetries is how often a transient failure is retried per file
	DefaultMaxRetries = 2

	// DefaultRetryBackoff is the first retry delay; it doubles per attempt
	DefaultRetryBackoff = 50 * time.Millisecond
)

// DefaultKDFParams returns the recommended parameters for alg.
func DefaultKDFParams(alg KDFAlgorithm) KDFParams {
	switch alg {
	case KDFScrypt:
		return KDFParams{Algorithm: KDFScrypt, ScryptLogN: 15, ScryptR: 8, ScryptP: 1}
	default:
		return KDFParams{Algorithm: KDFArgon2id, Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
	}
}

// Config contains configuration for an Engine
type Config struct {
	// Cipher suite used for new artifacts
	Cipher CipherSuite

	// ChunkSize is the plaintext size of each authenticated chunk
	ChunkSize int

	// KDF parameters used when encrypting. Decryption always uses the
	// parameters recorded in the manifest.
	KDF KDFParams

	// MinPasswordLength in runes; shorter passwords fail with ErrWeakPassword
	MinPasswordLength int

	// MinPasswordScore is the minimum zxcvbn score (1-4). Zero disables the check.
	MinPasswordScore int

	// Workers bounds the number of files processed concurrently.
	// If 0, defaults to runtime.NumCPU()
	Workers int

	// MaxRetries for transient I/O errors. Negative disables retries.
	MaxRetries int

	// RetryBackoff is the delay before the first retry
	RetryBackoff time.Duration

	// RemoveSource deletes originals after a committed encrypt, and
	// artifacts plus manifest after a fully successful decrypt.
	RemoveSource bool

	// Overwrite lets decrypt replace plaintext files that already exist.
	// Without it such records fail and the existing file is left alone.
	Overwrite bool

	// VerifyWrites re-reads and authenticates every artifact before it is
	// renamed into place.
	VerifyWrites bool

	// Logger receives structured run logs. If nil, logs are discarded.
	Logger *logrus.Logger

	// Progress, if set, is notified as files are processed
	Progress Progress

	// Journal, if set, records a summary of every run
	Journal Journal
}

// DefaultConfig returns a configuration with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		Cipher:            CipherAES256GCM,
		ChunkSize:         DefaultChunkSize,
		KDF:               DefaultKDFParams(KDFArgon2id),
		MinPasswordLength: DefaultMinPasswordLength,
		Workers:           runtime.NumCPU(),
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      DefaultRetryBackoff,
	}
}

// withDefaults returns a copy of c with zero fields filled in.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Cipher == 0 {
		out.Cipher = CipherAES256GCM
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.KDF.Algorithm == 0 {
		out.KDF.Algorithm = KDFArgon2id
	}
	def := DefaultKDFParams(out.KDF.Algorithm)
	switch out.KDF.Algorithm {
	case KDFArgon2id:
		if out.KDF.Time == 0 {
			out.KDF.Time = def.Time
		}
		if out.KDF.MemoryKiB == 0 {
			out.KDF.MemoryKiB = def.MemoryKiB
		}
		if out.KDF.Threads == 0 {
			out.KDF.Threads = def.Threads
		}
	case KDFScrypt:
		if out.KDF.ScryptLogN == 0 {
			out.KDF.ScryptLogN = def.ScryptLogN
		}
		if out.KDF.ScryptR == 0 {
			out.KDF.ScryptR = def.ScryptR
		}
		if out.KDF.ScryptP == 0 {
			out.KDF.ScryptP = def.ScryptP
		}
	}
	if out.MinPasswordLength == 0 {
		out.MinPasswordLength = DefaultMinPasswordLength
	}
	if out.Workers == 0 {
		out.Workers = runtime.NumCPU()
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	} else if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryBackoff == 0 {
		out.RetryBackoff = DefaultRetryBackoff
	}
	return &out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return &ValidationError{Field: "Cipher", Value: c.Cipher, Message: "unsupported cipher suite", Err: ErrUnsupportedCipher}
	}
	if err := ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if err := c.KDF.Validate(); err != nil {
		return err
	}
	if c.MinPasswordLength < 1 {
		return NewValidationError("MinPasswordLength", c.MinPasswordLength, "must be at least 1")
	}
	if c.MinPasswordScore < 0 || c.MinPasswordScore > 4 {
		return NewValidationError("MinPasswordScore", c.MinPasswordScore, "must be between 0 and 4")
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return NewValidationError("Workers", c.Workers, fmt.Sprintf("must be between 1 and %d", MaxWorkers))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return NewValidationError("MaxRetries", c.MaxRetries, "must be between 0 and 10")
	}
	if c.RetryBackoff < 0 {
		return NewValidationError("RetryBackoff", c.RetryBackoff, "cannot be negative")
	}
	return nil
}
