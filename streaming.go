package treecrypt

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// StreamResult describes one sealed or opened artifact stream
type StreamResult struct {
	Header         *FileHeader
	Tag            []byte // Tag of the final chunk
	PlaintextSize  int64
	CiphertextSize int64
}

// EncryptStream writes hdr followed by the sealed chunks of src to dst.
// progress, if non-nil, receives the plaintext byte count of each chunk.
func EncryptStream(ctx context.Context, dst io.Writer, src io.Reader, master []byte, hdr *FileHeader, relPath string, progress func(int64)) (*StreamResult, error) {
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	engine, err := newFileEngine(hdr.Cipher, master, hdr.Nonce)
	if err != nil {
		return nil, err
	}
	headerBytes, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := dst.Write(headerBytes); err != nil {
		return nil, NewIOError("write", relPath, err)
	}
	aad := chunkAAD(headerBytes, relPath)

	res := &StreamResult{Header: hdr, CiphertextSize: int64(len(headerBytes))}
	buf := make([]byte, hdr.ChunkSize)
	defer zero(buf)

	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := io.ReadFull(src, buf)
		final := false
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			final = true
		default:
			return nil, NewIOError("read", relPath, readErr)
		}

		sealed, err := engine.Encrypt(chunkNonce(index, final), buf[:n], aad)
		if err != nil {
			return nil, err
		}
		if _, err := dst.Write(sealed); err != nil {
			return nil, NewIOError("write", relPath, err)
		}
		res.PlaintextSize += int64(n)
		res.CiphertextSize += int64(len(sealed))
		if progress != nil && n > 0 {
			progress(int64(n))
		}

		if final {
			res.Tag = append([]byte(nil), sealed[len(sealed)-TagSize:]...)
			return res, nil
		}
	}
}

// DecryptStream authenticates src and writes its plaintext to dst, one
// verified chunk at a time. When expectTag is non-nil the final tag must
// match it. Callers that must not release partial plaintext point dst at a
// pending file and discard it on error.
func DecryptStream(ctx context.Context, dst io.Writer, src io.Reader, master []byte, relPath string, expectTag []byte, progress func(int64)) (*StreamResult, error) {
	hdr := &FileHeader{}
	if _, err := hdr.ReadFrom(src); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, &CorruptionError{Path: relPath, Message: "bad header", Err: err}
	}
	engine, err := newFileEngine(hdr.Cipher, master, hdr.Nonce)
	if err != nil {
		return nil, err
	}
	headerBytes, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	aad := chunkAAD(headerBytes, relPath)

	res := &StreamResult{Header: hdr, CiphertextSize: int64(len(headerBytes))}
	buf := make([]byte, int(hdr.ChunkSize)+TagSize)

	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := io.ReadFull(src, buf)
		final := false
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			final = true
		default:
			return nil, NewIOError("read", relPath, readErr)
		}
		if n < TagSize {
			return nil, &CorruptionError{Path: relPath, ChunkIdx: index, Message: "truncated artifact", Err: ErrIntegrityCheckFailed}
		}
		res.CiphertextSize += int64(n)

		if final && expectTag != nil {
			if subtle.ConstantTimeCompare(buf[n-TagSize:n], expectTag) != 1 {
				return nil, &AuthenticationError{Path: relPath, ChunkIdx: index, Message: "final tag does not match manifest"}
			}
		}

		plain, err := engine.Decrypt(chunkNonce(index, final), buf[:n], aad)
		if err != nil {
			return nil, &AuthenticationError{Path: relPath, ChunkIdx: index, Message: "chunk failed authentication"}
		}
		if _, err := dst.Write(plain); err != nil {
			zero(plain)
			return nil, NewIOError("write", relPath, err)
		}
		res.PlaintextSize += int64(len(plain))
		if progress != nil && len(plain) > 0 {
			progress(int64(len(plain)))
		}
		zero(plain)

		if final {
			res.Tag = append([]byte(nil), buf[n-TagSize:n]...)
			return res, nil
		}
	}
}

// VerifyStream authenticates src without producing output.
func VerifyStream(ctx context.Context, src io.Reader, master []byte, relPath string, expectTag []byte) (*StreamResult, error) {
	return DecryptStream(ctx, io.Discard, src, master, relPath, expectTag, nil)
}

// probeFirstChunk authenticates only the first chunk of src. It is used to
// reject a wrong password before any bulk work.
func probeFirstChunk(src io.Reader, master []byte, relPath string) error {
	hdr := &FileHeader{}
	if _, err := hdr.ReadFrom(src); err != nil {
		return &CorruptionError{Path: relPath, Message: "bad header", Err: err}
	}
	engine, err := newFileEngine(hdr.Cipher, master, hdr.Nonce)
	if err != nil {
		return err
	}
	headerBytes, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}
	buf := make([]byte, int(hdr.ChunkSize)+TagSize)
	n, readErr := io.ReadFull(src, buf)
	final := false
	switch {
	case readErr == nil:
	case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
		final = true
	default:
		return NewIOError("read", relPath, readErr)
	}
	if n < TagSize {
		return &CorruptionError{Path: relPath, Message: "truncated artifact", Err: ErrIntegrityCheckFailed}
	}
	plain, err := engine.Decrypt(chunkNonce(0, final), buf[:n], chunkAAD(headerBytes, relPath))
	if err != nil {
		return &AuthenticationError{Path: relPath, Message: "first chunk failed authentication"}
	}
	zero(plain)
	return nil
}

// readTrailingTag returns the last TagSize bytes of an artifact of the
// given size.
func readTrailingTag(r io.ReaderAt, size int64) ([]byte, error) {
	if size < int64(HeaderSize+TagSize) {
		return nil, fmt.Errorf("artifact too small: %d bytes", size)
	}
	tag := make([]byte, TagSize)
	if _, err := r.ReadAt(tag, size-TagSize); err != nil {
		return nil, err
	}
	return tag, nil
}
