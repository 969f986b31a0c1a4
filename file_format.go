package treecrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// CurrentVersion is the current artifact format version
	CurrentVersion = uint8(1)

	// MinHeaderSize is the fixed part of the header (without the nonce)
	// 4 bytes (magic) + 1 byte (version) + 1 byte (cipher) + 4 bytes (chunk size) + 2 bytes (nonce size) = 12 bytes
	MinHeaderSize = 12

	// HeaderSize is the size of a header carrying a FileNonceSize nonce
	HeaderSize = MinHeaderSize + FileNonceSize
)

// Magic identifies artifacts (ASCII: "TCRY")
var Magic = [4]byte{'T', 'C', 'R', 'Y'}

// FileHeader is the plaintext prefix of every artifact. Its serialized
// bytes are bound into every chunk as additional data.
type FileHeader struct {
	Version   uint8       // Artifact format version
	Cipher    CipherSuite // Cipher suite used for the chunks
	ChunkSize uint32      // Plaintext bytes per non-final chunk
	Nonce     []byte      // Per-file nonce; also the HKDF salt of the file key
}

// NewFileHeader creates a new file header with the given parameters
func NewFileHeader(cipher CipherSuite, chunkSize int, nonce []byte) *FileHeader {
	return &FileHeader{
		Version:   CurrentVersion,
		Cipher:    cipher,
		ChunkSize: uint32(chunkSize),
		Nonce:     append([]byte(nil), nonce...),
	}
}

// Size returns the total size of the header in bytes
func (h *FileHeader) Size() int {
	return MinHeaderSize + len(h.Nonce)
}

// MarshalBinary encodes the header in little-endian field order
func (h *FileHeader) MarshalBinary() ([]byte, error) {
	if len(h.Nonce) > 0xFFFF {
		return nil, fmt.Errorf("nonce too large: %d bytes", len(h.Nonce))
	}
	buf := bytes.NewBuffer(make([]byte, 0, h.Size()))
	buf.Write(Magic[:])
	buf.WriteByte(h.Version)
	buf.WriteByte(byte(h.Cipher))
	_ = binary.Write(buf, binary.LittleEndian, h.ChunkSize)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(h.Nonce)))
	buf.Write(h.Nonce)
	return buf.Bytes(), nil
}

// WriteTo writes the header to the given writer
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	fixed := make([]byte, MinHeaderSize)
	n, err := io.ReadFull(r, fixed)
	totalRead := int64(n)
	if err != nil {
		return totalRead, &CorruptionError{Message: "short header", Err: ErrInvalidHeader}
	}

	if !bytes.Equal(fixed[:4], Magic[:]) {
		return totalRead, ErrInvalidHeader
	}
	h.Version = fixed[4]
	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}
	h.Cipher = CipherSuite(fixed[5])
	h.ChunkSize = binary.LittleEndian.Uint32(fixed[6:10])
	nonceSize := binary.LittleEndian.Uint16(fixed[10:12])
	if nonceSize != FileNonceSize {
		return totalRead, &CorruptionError{Message: fmt.Sprintf("nonce size %d", nonceSize), Err: ErrInvalidHeader}
	}

	h.Nonce = make([]byte, nonceSize)
	n, err = io.ReadFull(r, h.Nonce)
	totalRead += int64(n)
	if err != nil {
		return totalRead, &CorruptionError{Message: "short nonce", Err: ErrInvalidHeader}
	}

	return totalRead, h.Validate()
}

// Validate checks if the header is valid
func (h *FileHeader) Validate() error {
	if h.Version == 0 {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if err := ValidateChunkSize(int(h.ChunkSize)); err != nil {
		return err
	}
	return ValidateNonce(h.Nonce)
}
