package treecrypt

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
)

func benchmarkEncryptStream(b *testing.B, suite CipherSuite, size int) {
	key := make([]byte, KeySize)
	rand.Read(key)
	data := make([]byte, size)
	rand.Read(data)
	nonces, _ := NewNonceSource()

	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		nonce, _ := nonces.Next()
		hdr := NewFileHeader(suite, DefaultChunkSize, nonce)
		if _, err := EncryptStream(context.Background(), io.Discard, bytes.NewReader(data), key, hdr, "bench.bin", nil); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkDecryptStream(b *testing.B, suite CipherSuite, size int) {
	key := make([]byte, KeySize)
	rand.Read(key)
	data := make([]byte, size)
	rand.Read(data)
	nonces, _ := NewNonceSource()
	nonce, _ := nonces.Next()

	var sealed bytes.Buffer
	if _, err := EncryptStream(context.Background(), &sealed, bytes.NewReader(data), key, NewFileHeader(suite, DefaultChunkSize, nonce), "bench.bin", nil); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecryptStream(context.Background(), io.Discard, bytes.NewReader(sealed.Bytes()), key, "bench.bin", nil, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncryptStream_AES_1MB(b *testing.B) {
	benchmarkEncryptStream(b, CipherAES256GCM, 1024*1024)
}

func BenchmarkEncryptStream_ChaCha_1MB(b *testing.B) {
	benchmarkEncryptStream(b, CipherChaCha20Poly1305, 1024*1024)
}

func BenchmarkDecryptStream_AES_1MB(b *testing.B) {
	benchmarkDecryptStream(b, CipherAES256GCM, 1024*1024)
}

func BenchmarkDecryptStream_ChaCha_1MB(b *testing.B) {
	benchmarkDecryptStream(b, CipherChaCha20Poly1305, 1024*1024)
}

func BenchmarkDeriveKey_Argon2id(b *testing.B) {
	salt, _ := GenerateSalt()
	params := DefaultKDFParams(KDFArgon2id)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k, err := DeriveKey([]byte(testPassword), salt, params)
		if err != nil {
			b.Fatal(err)
		}
		k.Destroy()
	}
}

func BenchmarkDeriveKey_Scrypt(b *testing.B) {
	salt, _ := GenerateSalt()
	params := DefaultKDFParams(KDFScrypt)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k, err := DeriveKey([]byte(testPassword), salt, params)
		if err != nil {
			b.Fatal(err)
		}
		k.Destroy()
	}
}
