package treecrypt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// ErrorKind classifies a failure for callers that only need to know what
// went wrong, not where.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindPathNotFound
	KindEmptyTree
	KindPermissionDenied
	KindWeakPassword
	KindIntegrityCheckFailed
	KindCorruptManifest
	KindUnsupportedVersion
	KindIO
	KindPartialFailure
	KindCancelled
	KindAlreadyEncrypted
	KindInsufficientSpace
)

// String returns the identifier form of the kind, e.g. "PermissionDenied".
func (k ErrorKind) String() string {
	switch k {
	case KindPathNotFound:
		return "PathNotFound"
	case KindEmptyTree:
		return "EmptyTree"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindWeakPassword:
		return "WeakPassword"
	case KindIntegrityCheckFailed:
		return "IntegrityCheckFailed"
	case KindCorruptManifest:
		return "CorruptManifest"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindIO:
		return "IOError"
	case KindPartialFailure:
		return "PartialFailure"
	case KindCancelled:
		return "Cancelled"
	case KindAlreadyEncrypted:
		return "AlreadyEncrypted"
	case KindInsufficientSpace:
		return "InsufficientSpace"
	default:
		return "Unknown"
	}
}

// Describe returns the short phrase used in user-facing status strings.
func (k ErrorKind) Describe() string {
	switch k {
	case KindPathNotFound:
		return "path not found"
	case KindEmptyTree:
		return "no files to process"
	case KindPermissionDenied:
		return "permission denied"
	case KindWeakPassword:
		return "password too weak"
	case KindIntegrityCheckFailed:
		return "integrity check failed"
	case KindCorruptManifest:
		return "manifest is corrupt"
	case KindUnsupportedVersion:
		return "unsupported format version"
	case KindIO:
		return "I/O error"
	case KindPartialFailure:
		return "some files failed"
	case KindCancelled:
		return "cancelled"
	case KindAlreadyEncrypted:
		return "already encrypted"
	case KindInsufficientSpace:
		return "not enough disk space"
	default:
		return "unexpected error"
	}
}

// Sentinel errors, one per kind.
var (
	ErrPathNotFound         = errors.New("path not found")
	ErrEmptyTree            = errors.New("no eligible regular files")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrWeakPassword         = errors.New("password does not meet strength policy")
	ErrIntegrityCheckFailed = errors.New("integrity check failed - data may be corrupted or tampered")
	ErrCorruptManifest      = errors.New("corrupt manifest")
	ErrUnsupportedVersion   = errors.New("unsupported format version")
	ErrIO                   = errors.New("i/o error")
	ErrPartialFailure       = errors.New("not all entries succeeded")
	ErrAlreadyEncrypted     = errors.New("root already has a committed manifest")
	ErrInsufficientSpace    = errors.New("insufficient free space")

	ErrNothingSucceeded  = errors.New("no entries succeeded")
	ErrArtifactExists    = errors.New("artifact path already exists")
	ErrOutputExists      = errors.New("output path already exists")
	ErrSourceChanged     = errors.New("source changed during operation")
	ErrDirSync           = errors.New("directory sync failed after rename")
	ErrNonceExhausted    = errors.New("nonce counter exhausted")
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
	ErrInvalidHeader     = errors.New("invalid artifact header")
	ErrNilConfig         = errors.New("config cannot be nil")
)

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IOError represents a file system I/O error
type IOError struct {
	Operation string // "read", "write", "open", "rename", "sync", etc.
	Path      string // File path
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("io error: %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents structural damage to an artifact or manifest
type CorruptionError struct {
	Path     string // File path
	ChunkIdx uint64 // Chunk index, if applicable
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.ChunkIdx > 0 {
		return fmt.Sprintf("corruption error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents an AEAD tag or key-check failure
type AuthenticationError struct {
	Path     string // File path
	ChunkIdx uint64 // Chunk index that failed to open
	Message  string // Human-readable error message
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return ErrIntegrityCheckFailed
}

// PasswordError is returned when a password fails the strength policy
type PasswordError struct {
	Reason string // Short phrase safe to show to a user
	Detail string // Measurement that failed, e.g. "5 < 8 characters"
}

func (e *PasswordError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("weak password: %s (%s)", e.Reason, e.Detail)
	}
	return "weak password: " + e.Reason
}

func (e *PasswordError) Unwrap() error {
	return ErrWeakPassword
}

// EntryError is the failure of a single file within a run. It never aborts
// the run; it is collected into the OperationResult.
type EntryError struct {
	Op   string    // "encrypt", "decrypt", "resolve"
	Path string    // Relative path of the entry
	Kind ErrorKind // Classified kind
	Err  error     // Underlying error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
	}
}

// corruptManifest wraps err so that it classifies as KindCorruptManifest.
func corruptManifest(path, format string, args ...any) error {
	return &CorruptionError{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrCorruptManifest,
	}
}

func newEntryError(op, relPath string, err error) *EntryError {
	return &EntryError{Op: op, Path: relPath, Kind: KindOf(err), Err: err}
}

// KindOf classifies err. Sentinels are checked before structural types so
// that wrapped sentinels win over the wrapper's own category.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var ee *EntryError
	if errors.As(err, &ee) && ee.Kind != KindUnknown {
		return ee.Kind
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrWeakPassword):
		return KindWeakPassword
	case errors.Is(err, ErrUnsupportedVersion):
		return KindUnsupportedVersion
	case errors.Is(err, ErrCorruptManifest):
		return KindCorruptManifest
	case errors.Is(err, ErrIntegrityCheckFailed), errors.Is(err, ErrInvalidHeader):
		return KindIntegrityCheckFailed
	case errors.Is(err, ErrEmptyTree):
		return KindEmptyTree
	case errors.Is(err, ErrAlreadyEncrypted):
		return KindAlreadyEncrypted
	case errors.Is(err, ErrInsufficientSpace):
		return KindInsufficientSpace
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, ErrPathNotFound), errors.Is(err, fs.ErrNotExist):
		return KindPathNotFound
	}

	var ce *CorruptionError
	if errors.As(err, &ce) {
		return KindIntegrityCheckFailed
	}
	var ie *IOError
	if errors.As(err, &ie) || errors.Is(err, ErrIO) {
		return KindIO
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindUnknown
	}
	return KindIO
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
