package treecrypt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"not exist", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, KindPathNotFound},
		{"permission", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}, KindPermissionDenied},
		{"wrapped sentinel", fmt.Errorf("%w: /x", ErrEmptyTree), KindEmptyTree},
		{"password", &PasswordError{Reason: "password too short"}, KindWeakPassword},
		{"auth", &AuthenticationError{Message: "bad"}, KindIntegrityCheckFailed},
		{"corruption", NewCorruptionError("x", "bad"), KindIntegrityCheckFailed},
		{"corrupt manifest", corruptManifest("m", "bad"), KindCorruptManifest},
		{"invalid header", ErrInvalidHeader, KindIntegrityCheckFailed},
		{"version", fmt.Errorf("%w: 9", ErrUnsupportedVersion), KindUnsupportedVersion},
		{"io", NewIOError("write", "x", errors.New("disk full")), KindIO},
		{"io wrapping permission", NewIOError("create", "x", fs.ErrPermission), KindPermissionDenied},
		{"cancelled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), KindCancelled},
		{"already encrypted", ErrAlreadyEncrypted, KindAlreadyEncrypted},
		{"space", ErrInsufficientSpace, KindInsufficientSpace},
		{"partial", ErrPartialFailure, KindPartialFailure},
		{"validation", NewValidationError("Workers", 0, "bad"), KindUnknown},
		{"entry keeps kind", newEntryError("encrypt", "a", fs.ErrPermission), KindPermissionDenied},
		{"plain", errors.New("something"), KindIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKind_Strings(t *testing.T) {
	for k := KindUnknown; k <= KindInsufficientSpace; k++ {
		if k.String() == "" || k.Describe() == "" {
			t.Errorf("kind %d has an empty name", k)
		}
	}
	if KindPermissionDenied.Describe() != "permission denied" || KindIO.String() != "IOError" {
		t.Error("unexpected kind names")
	}
	if ErrorKind(200).String() != "Unknown" {
		t.Error("out of range kind should be Unknown")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{Field: "ChunkSize", Message: "too small"}, "validation error: ChunkSize: too small"},
		{&ValidationError{Message: "bad"}, "validation error: bad"},
		{&IOError{Operation: "read", Path: "/a", Err: errors.New("eof")}, "io error: read /a: eof"},
		{&IOError{Operation: "sync", Err: errors.New("x")}, "io error: sync: x"},
		{&CorruptionError{Path: "/a", ChunkIdx: 3, Message: "bad"}, "corruption error: /a (chunk 3): bad"},
		{&CorruptionError{Path: "/a", Message: "bad"}, "corruption error: /a: bad"},
		{&CorruptionError{Message: "bad"}, "corruption error: bad"},
		{&AuthenticationError{Path: "a", ChunkIdx: 1, Message: "bad"}, "authentication error: a (chunk 1): bad"},
		{&PasswordError{Reason: "password too short", Detail: "3 < 8 characters"}, "weak password: password too short (3 < 8 characters)"},
		{&EntryError{Op: "decrypt", Path: "a", Kind: KindIO, Err: errors.New("x")}, "decrypt a: IOError: x"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(NewIOError("x", "y", inner), inner) {
		t.Error("IOError does not unwrap")
	}
	if !errors.Is(&AuthenticationError{}, ErrIntegrityCheckFailed) {
		t.Error("AuthenticationError must match ErrIntegrityCheckFailed")
	}
	if !errors.Is(&PasswordError{}, ErrWeakPassword) {
		t.Error("PasswordError must match ErrWeakPassword")
	}
	ee := newEntryError("encrypt", "a", inner)
	if !errors.Is(ee, inner) || !strings.Contains(ee.Error(), "encrypt a") {
		t.Errorf("EntryError = %v", ee)
	}
	if !IsValidationError(NewValidationError("f", 1, "m")) || IsValidationError(inner) {
		t.Error("IsValidationError mismatch")
	}
	if !IsCorruptionError(corruptManifest("m", "x")) || !IsAuthenticationError(&AuthenticationError{}) {
		t.Error("type predicates mismatch")
	}
}
