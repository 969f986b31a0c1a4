package treecrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// Operation names used in results, logs and the journal
const (
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
)

// Engine encrypts and decrypts file trees on an absfs.FileSystem. An
// Engine holds no per-run state; concurrent calls on different roots are
// independent.
type Engine struct {
	fs       absfs.FileSystem
	config   *Config
	log      *logrus.Logger
	progress Progress
}

// New creates an Engine over filesystem. A nil config means DefaultConfig.
func New(filesystem absfs.FileSystem, config *Config) (*Engine, error) {
	if filesystem == nil {
		return nil, NewValidationError("filesystem", nil, "filesystem cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.WarnLevel)
	}
	var progress Progress = nopProgress{}
	if cfg.Progress != nil {
		progress = cfg.Progress
	}

	return &Engine{
		fs:       filesystem,
		config:   cfg,
		log:      logger,
		progress: progress,
	}, nil
}

// Config returns a copy of the effective configuration
func (e *Engine) Config() Config {
	return *e.config
}

// FailedEntry is one file that could not be processed
type FailedEntry struct {
	RelPath string
	Kind    ErrorKind
	Err     error
}

// OperationResult reports the outcome of Encrypt or Decrypt. It is never
// nil, even when the call returns an error.
type OperationResult struct {
	Op        string
	Root      string
	RunID     string
	Total     int
	Succeeded int
	Bytes     int64
	Failed    []FailedEntry
	Status    string

	fatal error
}

// Err summarises the result: nil when everything succeeded, an error
// wrapping ErrPartialFailure when only some entries did, and the fatal
// error otherwise.
func (r *OperationResult) Err() error {
	switch {
	case r.fatal != nil:
		return r.fatal
	case len(r.Failed) == 0:
		return nil
	case r.Succeeded == 0:
		return fmt.Errorf("%w: %d of %d failed: %w", ErrNothingSucceeded, len(r.Failed), r.Total, r.Failed[0].Err)
	default:
		return fmt.Errorf("%w: %d of %d failed", ErrPartialFailure, len(r.Failed), r.Total)
	}
}

// callErr is the error returned alongside the result: partial failure is
// reported through Err only.
func (r *OperationResult) callErr() error {
	if r.fatal == nil && r.Succeeded > 0 {
		return nil
	}
	return r.Err()
}

func (r *OperationResult) addFailure(relPath string, err error) {
	var ee *EntryError
	if errors.As(err, &ee) && ee.Path != "" {
		relPath = ee.Path
	}
	r.Failed = append(r.Failed, FailedEntry{RelPath: relPath, Kind: KindOf(err), Err: err})
}

// finish sets the status string from the counters or the fatal error.
func (r *OperationResult) finish(fatal error) {
	r.fatal = fatal
	r.Status = statusLine(r)
}

func statusLine(r *OperationResult) string {
	verb, noun := "Encrypted", "Encryption"
	if r.Op == OpDecrypt {
		verb, noun = "Decrypted", "Decryption"
	}
	if r.fatal != nil {
		return fmt.Sprintf("%s failed: %s", noun, publicReason(r.fatal))
	}

	s := fmt.Sprintf("%s %d/%d files", verb, r.Succeeded, r.Total)
	if len(r.Failed) == 0 {
		return s
	}
	counts := make(map[ErrorKind]int)
	for _, f := range r.Failed {
		counts[f.Kind]++
	}
	var parts []string
	for k := KindUnknown; k <= KindInsufficientSpace; k++ {
		if n := counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, k.Describe()))
		}
	}
	return s + " (" + strings.Join(parts, ", ") + ")"
}

// publicReason is the user-facing phrase for err. It never includes
// paths or internal detail.
func publicReason(err error) string {
	var pe *PasswordError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return KindOf(err).Describe()
}

// runLog returns a logger entry carrying the run fields
func (e *Engine) runLog(op, root, runID string) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{
		"op":     op,
		"root":   root,
		"run_id": runID,
	})
}

// withRetry runs fn until it succeeds, fails permanently, or retries are
// exhausted. The delay doubles after each attempt.
func (e *Engine) withRetry(ctx context.Context, log *logrus.Entry, fn func() error) error {
	backoff := e.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= e.config.MaxRetries || !isTransient(err) {
			return err
		}
		log.WithError(err).WithField("attempt", attempt+1).Debug("transient failure, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, ErrSourceChanged)
}

func (e *Engine) journalBegin(log *logrus.Entry, rec RunRecord) {
	if e.config.Journal == nil {
		return
	}
	if err := e.config.Journal.Begin(rec); err != nil {
		log.WithError(err).Warn("journal begin failed")
	}
}

func (e *Engine) journalFinish(log *logrus.Entry, rec RunRecord, res *OperationResult) {
	if e.config.Journal == nil {
		return
	}
	rec.Finished = time.Now().UTC()
	rec.Total = res.Total
	rec.Succeeded = res.Succeeded
	rec.Failed = len(res.Failed)
	rec.Status = res.Status
	if err := e.config.Journal.Finish(rec); err != nil {
		log.WithError(err).Warn("journal finish failed")
	}
}

// locate finds the layout of an encrypted root. It accepts the directory
// root, the original file path, the artifact path, or the manifest path.
func (e *Engine) locate(root string) (layout, error) {
	p := cleanPath(root)
	switch {
	case path.Base(p) == ManifestName:
		p = path.Dir(p)
		return e.requireManifest(newLayout(p, true))
	case strings.HasSuffix(p, manifestSuffix):
		return e.requireManifest(newLayout(strings.TrimSuffix(p, manifestSuffix), false))
	case strings.HasSuffix(p, ArtifactExt):
		if l := newLayout(strings.TrimSuffix(p, ArtifactExt), false); pathExists(e.fs, l.manifest) {
			return l, nil
		}
	}

	info, err := e.fs.Stat(p)
	if err == nil && info.IsDir() {
		return e.requireManifest(newLayout(p, true))
	}
	return e.requireManifest(newLayout(p, false))
}

func (e *Engine) requireManifest(l layout) (layout, error) {
	if _, err := e.fs.Stat(l.manifest); err != nil {
		return l, fmt.Errorf("%w: no manifest for %s", ErrPathNotFound, l.root)
	}
	return l, nil
}

// Inspect loads the manifest of an encrypted root without a password.
func (e *Engine) Inspect(root string) (*Manifest, error) {
	l, err := e.locate(root)
	if err != nil {
		return nil, err
	}
	return LoadManifest(e.fs, l.manifest)
}
