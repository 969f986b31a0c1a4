package treecrypt

import (
	"bytes"
	"errors"
	"testing"
)

func testNonce() []byte {
	n := make([]byte, FileNonceSize)
	for i := range n {
		n[i] = byte(i)
	}
	return n
}

func TestFileHeader_RoundTrip(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		hdr := NewFileHeader(suite, DefaultChunkSize, testNonce())
		var buf bytes.Buffer
		n, err := hdr.WriteTo(&buf)
		if err != nil {
			t.Fatalf("WriteTo failed: %v", err)
		}
		if n != HeaderSize || buf.Len() != HeaderSize {
			t.Fatalf("header is %d bytes, want %d", n, HeaderSize)
		}

		raw := buf.Bytes()
		if !bytes.Equal(raw[:4], []byte("TCRY")) {
			t.Errorf("magic = %q", raw[:4])
		}
		// chunk size and nonce length are little-endian
		if !bytes.Equal(raw[6:10], []byte{0x00, 0x00, 0x01, 0x00}) || !bytes.Equal(raw[10:12], []byte{24, 0}) {
			t.Errorf("unexpected fixed fields % x", raw[:12])
		}

		got := &FileHeader{}
		if _, err := got.ReadFrom(bytes.NewReader(raw)); err != nil {
			t.Fatalf("ReadFrom failed: %v", err)
		}
		if got.Version != CurrentVersion || got.Cipher != suite || got.ChunkSize != DefaultChunkSize || !bytes.Equal(got.Nonce, hdr.Nonce) {
			t.Errorf("header mismatch: %+v", got)
		}
	}
}

func TestFileHeader_Invalid(t *testing.T) {
	valid, err := NewFileHeader(CipherAES256GCM, MinChunkSize, testNonce()).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	with := func(i int, v ...byte) []byte {
		b := append([]byte(nil), valid...)
		copy(b[i:], v)
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidHeader},
		{"short", valid[:8], ErrInvalidHeader},
		{"bad magic", with(0, 'X'), ErrInvalidHeader},
		{"future version", with(4, 2), ErrUnsupportedVersion},
		{"zero version", with(4, 0), ErrInvalidHeader},
		{"unknown cipher", with(5, 7), ErrUnsupportedCipher},
		{"nonce length", with(10, 12), ErrInvalidHeader},
		{"short nonce", valid[:HeaderSize-1], ErrInvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&FileHeader{}).ReadFrom(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	small := with(6, 16, 0, 0, 0)
	if _, err := (&FileHeader{}).ReadFrom(bytes.NewReader(small)); !IsValidationError(err) {
		t.Errorf("tiny chunk size: error = %v", err)
	}
}
