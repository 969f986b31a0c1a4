package treecrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime"
	"unicode/utf8"

	"github.com/nbutton23/zxcvbn-go"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// kdfDomain separates our salts from any other protocol using the same
// password and salt.
const kdfDomain = "treecrypt\x00kdf\x00v1"

// DerivedKey holds the master key for a single call. The key bytes are
// never persisted; Salt and Params are recorded in the manifest.
type DerivedKey struct {
	key    []byte
	locked bool

	Salt   []byte
	Params KDFParams
}

// Bytes returns the key material. The slice is invalid after Destroy.
func (k *DerivedKey) Bytes() []byte {
	return k.key
}

// Destroy zeroes the key material and releases any memory lock.
func (k *DerivedKey) Destroy() {
	if k == nil || k.key == nil {
		return
	}
	zero(k.key)
	if k.locked {
		_ = unlockMemory(k.key)
		k.locked = false
	}
	k.key = nil
}

// GenerateSalt generates a new random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches password with salt under params. The parameters are
// bounds-checked first so hostile values cannot exhaust memory or CPU.
func DeriveKey(password, salt []byte, params KDFParams) (*DerivedKey, error) {
	if len(password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, NewValidationError("salt", len(salt), fmt.Sprintf("salt must be %d bytes", SaltSize))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ctxSalt := contextSalt(salt)
	defer zero(ctxSalt)

	var key []byte
	switch params.Algorithm {
	case KDFArgon2id:
		key = argon2.IDKey(password, ctxSalt, params.Time, params.MemoryKiB, params.Threads, KeySize)
	case KDFScrypt:
		var err error
		key, err = scrypt.Key(password, ctxSalt, 1<<params.ScryptLogN, int(params.ScryptR), int(params.ScryptP), KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
	}

	dk := &DerivedKey{
		key:    key,
		Salt:   append([]byte(nil), salt...),
		Params: params,
	}
	// mlock is best effort; RLIMIT_MEMLOCK may be tiny
	dk.locked = lockMemory(dk.key) == nil
	return dk, nil
}

// contextSalt returns SHA-256(kdfDomain || salt).
func contextSalt(salt []byte) []byte {
	h := sha256.New()
	h.Write([]byte(kdfDomain))
	h.Write(salt)
	return h.Sum(nil)
}

// CheckPassword enforces the length and optional strength policy. Failures
// are *PasswordError values wrapping ErrWeakPassword.
func CheckPassword(password []byte, minLength, minScore int) error {
	if !utf8.Valid(password) {
		return &PasswordError{Reason: "password is not valid text"}
	}
	if n := utf8.RuneCount(password); n < minLength {
		return &PasswordError{Reason: "password too short", Detail: fmt.Sprintf("%d < %d characters", n, minLength)}
	}
	if minScore > 0 {
		if score := PasswordStrength(password); score < minScore {
			return &PasswordError{Reason: "password too weak", Detail: fmt.Sprintf("score %d < %d", score, minScore)}
		}
	}
	return nil
}

// PasswordStrength returns the zxcvbn score (0-4) of password.
func PasswordStrength(password []byte) int {
	if len(password) == 0 {
		return 0
	}
	return zxcvbn.PasswordStrength(string(password), nil).Score
}

// zero overwrites b; KeepAlive stops the stores from being elided.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
