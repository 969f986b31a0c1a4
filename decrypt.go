package treecrypt

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// errWrongPassword is reported for every record when neither the key
// check nor the first record authenticates.
var errWrongPassword = &AuthenticationError{Message: "wrong password or corrupted data"}

// decryptRun is the state owned by one Decrypt call
type decryptRun struct {
	layout   layout
	manifest *Manifest
	key      *DerivedKey
	writer   *AtomicWriter
	log      *logrus.Entry
}

type decryptOutcome struct {
	record EncryptedFileRecord
	err    error
}

// Decrypt restores the plaintext of an encrypted root. root may be the
// directory, the original file path, an artifact path or a manifest path.
//
// Plaintext is written through pending files and only renamed into place
// once every chunk and the final tag have authenticated. Artifacts and the
// manifest are removed only when RemoveSource is set and every record
// decrypted.
func (e *Engine) Decrypt(ctx context.Context, root string, password []byte) (*OperationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res := &OperationResult{Op: OpDecrypt, Root: root}
	log := e.runLog(OpDecrypt, root, "")

	if len(password) == 0 {
		err := &PasswordError{Reason: "password is empty"}
		res.finish(err)
		return res, err
	}

	l, err := e.locate(root)
	if err != nil {
		res.finish(err)
		return res, err
	}
	m, err := LoadManifest(e.fs, l.manifest)
	if err != nil {
		res.finish(err)
		return res, err
	}
	res.RunID = m.RunID
	res.Total = len(m.Records)
	log = e.runLog(OpDecrypt, root, m.RunID)
	if len(m.Records) == 0 {
		err := fmt.Errorf("%w: manifest has no records", ErrEmptyTree)
		res.finish(err)
		return res, err
	}

	key, err := DeriveKey(password, m.Salt, m.KDF)
	if err != nil {
		res.finish(err)
		return res, err
	}
	defer key.Destroy()

	run := &decryptRun{
		layout:   l,
		manifest: m,
		key:      key,
		writer:   NewAtomicWriter(e.fs, uuid.NewString()),
		log:      log,
	}

	journalRec := RunRecord{RunID: m.RunID, Op: OpDecrypt, Root: root, Started: time.Now().UTC(), Total: res.Total}
	e.journalBegin(log, journalRec)

	keyOK := m.VerifyKey(key.Bytes())
	probeErr := e.probeRecord(run, m.Records[0])
	if !keyOK && probeErr != nil {
		log.Warn("key check and first record both failed authentication")
		for _, rec := range m.Records {
			res.addFailure(rec.RelPath, newEntryError(OpDecrypt, rec.RelPath, errWrongPassword))
		}
		res.finish(nil)
		e.journalFinish(log, journalRec, res)
		return res, res.callErr()
	}
	if !keyOK {
		log.Warn("key check failed but first record authenticated, continuing")
	}
	if !m.Authentic(key.Bytes()) {
		err := corruptManifest(l.manifest, "manifest failed authentication")
		log.WithError(err).Warn("refusing unauthenticated manifest")
		res.finish(err)
		e.journalFinish(log, journalRec, res)
		return res, err
	}

	log.WithFields(logrus.Fields{
		"files": len(m.Records),
		"bytes": m.TotalSize(),
	}).Info("decryption started")
	e.progress.Start(len(m.Records), m.TotalSize())

	pool, err := newPool(e.config.Workers, len(m.Records), log)
	if err != nil {
		res.finish(err)
		e.journalFinish(log, journalRec, res)
		return res, err
	}
	defer pool.Release()

	records := m.Records
	runParallel(ctx, pool, len(records),
		func(ctx context.Context, i int) decryptOutcome {
			return decryptOutcome{record: records[i], err: e.decryptRecord(ctx, run, records[i])}
		},
		func(i int, err error) decryptOutcome {
			return decryptOutcome{record: records[i], err: err}
		},
		func(o decryptOutcome) {
			if o.err != nil {
				if !errors.Is(o.err, context.Canceled) && !errors.Is(o.err, context.DeadlineExceeded) {
					log.WithField("path", o.record.RelPath).WithError(o.err).Warn("file failed")
				}
				res.addFailure(o.record.RelPath, newEntryError(OpDecrypt, o.record.RelPath, o.err))
			} else {
				res.Succeeded++
				res.Bytes += o.record.Size
			}
			e.progress.Done(o.record.RelPath, o.err)
		},
	)

	if err := ctx.Err(); err != nil {
		res.finish(err)
		e.journalFinish(log, journalRec, res)
		return res, err
	}

	if e.config.RemoveSource && len(res.Failed) == 0 {
		for _, rec := range m.Records {
			if err := e.fs.Remove(l.artifact(rec.RelPath)); err != nil {
				log.WithField("path", rec.RelPath).WithError(err).Warn("failed to remove artifact")
			}
		}
		if err := e.fs.Remove(l.manifest); err != nil {
			log.WithError(err).Warn("failed to remove manifest")
		}
	}

	res.finish(nil)
	log.WithFields(logrus.Fields{
		"succeeded": res.Succeeded,
		"failed":    len(res.Failed),
	}).Info(res.Status)
	e.journalFinish(log, journalRec, res)
	return res, res.callErr()
}

// probeRecord authenticates the first chunk of rec's artifact.
func (e *Engine) probeRecord(run *decryptRun, rec EncryptedFileRecord) error {
	f, err := e.fs.Open(run.layout.artifact(rec.RelPath))
	if err != nil {
		return err
	}
	defer f.Close()
	return probeFirstChunk(f, run.key.Bytes(), rec.RelPath)
}

func (e *Engine) decryptRecord(ctx context.Context, run *decryptRun, rec EncryptedFileRecord) error {
	log := run.log.WithField("path", rec.RelPath)
	return e.withRetry(ctx, log, func() error {
		return e.decryptOnce(ctx, run, rec)
	})
}

func (e *Engine) decryptOnce(ctx context.Context, run *decryptRun, rec EncryptedFileRecord) error {
	artifact := run.layout.artifact(rec.RelPath)
	out := run.layout.abs(rec.RelPath)
	if !e.config.Overwrite && pathExists(e.fs, out) {
		return fmt.Errorf("%w: %s", ErrOutputExists, out)
	}

	f, err := e.fs.Open(artifact)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return NewIOError("stat", artifact, err)
	}
	if info.Size() != rec.CiphertextLength {
		return &CorruptionError{
			Path:    rec.RelPath,
			Message: fmt.Sprintf("artifact is %d bytes, manifest says %d", info.Size(), rec.CiphertextLength),
			Err:     ErrIntegrityCheckFailed,
		}
	}
	trailing, err := readTrailingTag(f, info.Size())
	if err != nil {
		return NewIOError("read", artifact, err)
	}
	if subtle.ConstantTimeCompare(trailing, rec.Tag) != 1 {
		return &AuthenticationError{Path: rec.RelPath, Message: "artifact tag does not match manifest"}
	}

	if err := e.fs.MkdirAll(path.Dir(out), 0o755); err != nil {
		return NewIOError("mkdir", path.Dir(out), err)
	}
	pf, err := run.writer.Create(out)
	if err != nil {
		return err
	}
	sr, err := DecryptStream(ctx, pf, f, run.key.Bytes(), rec.RelPath, rec.Tag, func(n int64) {
		e.progress.Advance(rec.RelPath, n)
	})
	if err != nil {
		pf.Abort()
		if errors.Is(err, ErrUnsupportedVersion) {
			// The manifest pins the artifact version, so a newer one is tampering.
			return &CorruptionError{Path: rec.RelPath, Message: "artifact version does not match manifest", Err: ErrIntegrityCheckFailed}
		}
		return err
	}
	if err := checkHeader(sr.Header, run.manifest, rec); err != nil {
		pf.Abort()
		return err
	}
	if sr.PlaintextSize != rec.Size {
		pf.Abort()
		return &CorruptionError{Path: rec.RelPath, Message: "plaintext size differs from manifest", Err: ErrIntegrityCheckFailed}
	}

	err = pf.Commit(func(temp string) error {
		if err := e.fs.Chmod(temp, rec.Perm); err != nil {
			return NewIOError("chmod", temp, err)
		}
		if err := e.fs.Chtimes(temp, rec.ModTime, rec.ModTime); err != nil {
			return NewIOError("chtimes", temp, err)
		}
		return nil
	})
	if inPlace(err) && err != nil {
		run.log.WithField("path", rec.RelPath).WithError(err).Warn("output committed without directory sync")
		return nil
	}
	return err
}

// checkHeader ensures an artifact belongs to the manifest record it is
// decrypted under.
func checkHeader(h *FileHeader, m *Manifest, rec EncryptedFileRecord) error {
	if h.Version != CurrentVersion || h.Cipher != m.Cipher || int(h.ChunkSize) != m.ChunkSize || !bytes.Equal(h.Nonce, rec.Nonce) {
		return &CorruptionError{Path: rec.RelPath, Message: "artifact header does not match manifest", Err: ErrIntegrityCheckFailed}
	}
	return nil
}
