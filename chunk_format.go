package treecrypt

import "encoding/binary"

// Artifact layout:
// ┌─────────────────────────────────────┐
// │ FileHeader                          │ <- magic, version, cipher, chunk size, nonce
// ├─────────────────────────────────────┤
// │ Chunk 0: ciphertext + tag           │ <- exactly ChunkSize + TagSize bytes
// ├─────────────────────────────────────┤
// │ ...                                 │
// ├─────────────────────────────────────┤
// │ Final chunk: ciphertext + tag       │ <- len(plaintext) % ChunkSize + TagSize bytes
// └─────────────────────────────────────┘
//
// The final chunk always holds fewer than ChunkSize plaintext bytes, so a
// reader can tell it apart from a full chunk without lookahead. It may be
// empty: a file of exactly N*ChunkSize bytes ends in a tag-only chunk.
// Every chunk is sealed with the file subkey, the chunk nonce below, and
// the header bytes plus the relative path as additional data.

const finalFlag = 0x01

// chunkNonce returns BE64(index) || 0x000000 || flag.
func chunkNonce(index uint64, final bool) []byte {
	nonce := make([]byte, ChunkNonceSize)
	binary.BigEndian.PutUint64(nonce[:8], index)
	if final {
		nonce[ChunkNonceSize-1] = finalFlag
	}
	return nonce
}

// chunkAAD binds the header and the relative path into every chunk.
func chunkAAD(header []byte, relPath string) []byte {
	aad := make([]byte, 0, len(header)+len(relPath))
	aad = append(aad, header...)
	return append(aad, relPath...)
}

// chunkCount returns the number of chunks, including the final one, that
// a plaintext of size bytes is split into.
func chunkCount(size int64, chunkSize int) int64 {
	return size/int64(chunkSize) + 1
}

// CiphertextLength returns the artifact size for a plaintext of size bytes.
func CiphertextLength(size int64, chunkSize int) int64 {
	return int64(HeaderSize) + size + chunkCount(size, chunkSize)*TagSize
}
