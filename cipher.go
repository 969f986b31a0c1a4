package treecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// ChunkNonceSize is the AEAD nonce size of both suites
	ChunkNonceSize = 12

	// TagSize is the AEAD tag size of both suites
	TagSize = 16

	fileKeyInfo     = "treecrypt file v1"
	keyCheckInfo    = "treecrypt keycheck v1"
	manifestMACInfo = "treecrypt manifest v1"
)

// CipherEngine provides AEAD encryption/decryption
type CipherEngine interface {
	// Encrypt seals plaintext with the given nonce and additional data
	Encrypt(nonce, plaintext, aad []byte) ([]byte, error)

	// Decrypt opens ciphertext with the given nonce and additional data
	Decrypt(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine adapts a cipher.AEAD to CipherEngine. Both suites share it;
// they differ only in construction.
type aeadEngine struct {
	suite CipherSuite
	aead  cipher.AEAD
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{suite: CipherAES256GCM, aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, chacha20poly1305.KeySize); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{suite: CipherChaCha20Poly1305, aead: aead}, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

func (e *aeadEngine) Encrypt(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (e *aeadEngine) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrIntegrityCheckFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int { return e.aead.NonceSize() }

func (e *aeadEngine) Overhead() int { return e.aead.Overhead() }

// deriveSubkey expands master into a KeySize subkey bound to salt and info.
func deriveSubkey(master, salt []byte, info string) ([]byte, error) {
	if err := ValidateKey(master, KeySize); err != nil {
		return nil, err
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// newFileEngine returns an engine keyed with the subkey for one file nonce.
// Every file therefore has its own key, and chunk nonces only need to be
// unique within the file.
func newFileEngine(suite CipherSuite, master, fileNonce []byte) (CipherEngine, error) {
	if err := ValidateNonce(fileNonce); err != nil {
		return nil, err
	}
	sub, err := deriveSubkey(master, fileNonce, fileKeyInfo)
	if err != nil {
		return nil, err
	}
	defer zero(sub)
	return NewCipherEngine(suite, sub)
}
