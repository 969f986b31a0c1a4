package treecrypt

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// manifestOverhead estimates the manifest bytes per record for the free
// space check.
const manifestOverhead = 512

// encryptRun is the state owned by one Encrypt call
type encryptRun struct {
	layout  layout
	key     *DerivedKey
	nonces  *NonceSource
	writer  *AtomicWriter
	builder *Builder
	log     *logrus.Entry
}

type encryptOutcome struct {
	entry  FileEntry
	record EncryptedFileRecord
	err    error
}

// Encrypt encrypts every regular file under root with a key derived from
// password. Each source gets an artifact next to it and one manifest is
// committed for the whole run.
//
// The returned result is never nil. The error is non-nil when the run
// could not start, was cancelled, or no file succeeded. When only some
// files fail, the error is nil and result.Err reports ErrPartialFailure.
func (e *Engine) Encrypt(ctx context.Context, root string, password []byte) (*OperationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res := &OperationResult{Op: OpEncrypt, Root: root}
	log := e.runLog(OpEncrypt, root, "")

	// nothing may be written for a rejected password
	if err := CheckPassword(password, e.config.MinPasswordLength, e.config.MinPasswordScore); err != nil {
		res.finish(err)
		return res, err
	}

	resolution, err := Resolve(ctx, e.fs, root)
	if err != nil {
		res.finish(err)
		return res, err
	}
	l := newLayout(resolution.Root, resolution.IsDir)

	if _, err := e.recoverLayout(ctx, l, log); err != nil {
		log.WithError(err).Warn("recovery of earlier run failed")
	}
	if pathExists(e.fs, l.manifest) {
		err := fmt.Errorf("%w: %s", ErrAlreadyEncrypted, l.manifest)
		res.finish(err)
		return res, err
	}

	res.Total = len(resolution.Entries) + len(resolution.Failures)
	for _, f := range resolution.Failures {
		log.WithField("path", f.Path).WithError(f.Err).Warn("skipping unreadable entry")
		res.addFailure(f.Path, f)
	}
	if len(resolution.Entries) == 0 {
		res.finish(nil)
		return res, res.callErr()
	}

	if err := e.checkSpace(ctx, l, resolution, log); err != nil {
		res.finish(err)
		return res, err
	}

	salt, err := GenerateSalt()
	if err != nil {
		res.finish(err)
		return res, err
	}
	key, err := DeriveKey(password, salt, e.config.KDF)
	if err != nil {
		res.finish(err)
		return res, err
	}
	defer key.Destroy()

	runID := uuid.NewString()
	res.RunID = runID
	log = e.runLog(OpEncrypt, root, runID)

	nonces, err := NewNonceSource()
	if err != nil {
		res.finish(err)
		return res, err
	}
	keyCheck, err := computeKeyCheck(key.Bytes(), runID, salt)
	if err != nil {
		res.finish(err)
		return res, err
	}

	run := &encryptRun{
		layout: l,
		key:    key,
		nonces: nonces,
		writer: NewAtomicWriter(e.fs, runID),
		builder: NewBuilder(Manifest{
			RunID:     runID,
			Created:   time.Now().UTC(),
			Cipher:    e.config.Cipher,
			ChunkSize: e.config.ChunkSize,
			Salt:      salt,
			KDF:       e.config.KDF,
			Root:      RootInfo{Name: l.rootName(), IsDir: l.isDir},
			KeyCheck:  keyCheck,
		}),
		log: log,
	}

	marker := pendingMarker{RunID: runID, RunSeed: nonces.Seed()}
	for _, entry := range resolution.Entries {
		marker.Artifacts = append(marker.Artifacts, entry.RelPath+ArtifactExt)
	}
	if err := writeMarker(run.writer, l.marker, marker); !inPlace(err) {
		res.finish(err)
		return res, err
	} else if err != nil {
		log.WithError(err).Warn("pending marker written without directory sync")
	}

	journalRec := RunRecord{RunID: runID, Op: OpEncrypt, Root: root, Started: time.Now().UTC(), Total: res.Total}
	e.journalBegin(log, journalRec)
	log.WithFields(logrus.Fields{
		"files":  len(resolution.Entries),
		"bytes":  resolution.TotalBytes(),
		"cipher": e.config.Cipher.String(),
	}).Info("encryption started")

	e.progress.Start(len(resolution.Entries), resolution.TotalBytes())
	pool, err := newPool(e.config.Workers, len(resolution.Entries), log)
	if err != nil {
		e.rollback(run, nil)
		res.finish(err)
		e.journalFinish(log, journalRec, res)
		return res, err
	}
	defer pool.Release()

	entries := resolution.Entries
	runParallel(ctx, pool, len(entries),
		func(ctx context.Context, i int) encryptOutcome {
			rec, err := e.encryptEntry(ctx, run, entries[i])
			return encryptOutcome{entry: entries[i], record: rec, err: err}
		},
		func(i int, err error) encryptOutcome {
			return encryptOutcome{entry: entries[i], err: err}
		},
		func(o encryptOutcome) {
			if o.err == nil {
				if err := run.builder.Append(o.record); err != nil {
					_ = e.fs.Remove(l.artifact(o.record.RelPath))
					o.err = err
				}
			}
			if o.err != nil {
				ferr := newEntryError(OpEncrypt, o.entry.RelPath, o.err)
				if !errors.Is(o.err, context.Canceled) && !errors.Is(o.err, context.DeadlineExceeded) {
					log.WithField("path", o.entry.RelPath).WithError(o.err).Warn("file failed")
				}
				res.addFailure(o.entry.RelPath, ferr)
			} else {
				res.Bytes += o.record.Size
			}
			e.progress.Done(o.entry.RelPath, o.err)
		},
	)

	committed := run.builder.Records()
	if err := ctx.Err(); err != nil {
		e.rollback(run, committed)
		log.Info("encryption cancelled, artifacts rolled back")
		res.finish(err)
		e.journalFinish(log, journalRec, res)
		return res, err
	}
	if len(committed) == 0 {
		e.rollback(run, nil)
		res.finish(nil)
		e.journalFinish(log, journalRec, res)
		return res, res.callErr()
	}

	manifest, data, err := run.builder.BuildSealed(key.Bytes())
	if err == nil {
		err = run.writer.WriteFile(l.manifest, data)
		if inPlace(err) && err != nil {
			log.WithError(err).Warn("manifest written without directory sync")
			err = nil
		}
	}
	if err != nil {
		e.rollback(run, committed)
		res.finish(err)
		e.journalFinish(log, journalRec, res)
		return res, err
	}
	if err := e.fs.Remove(l.marker); err != nil {
		log.WithError(err).Warn("failed to remove pending marker")
	}
	res.Succeeded = len(manifest.Records)

	if e.config.RemoveSource {
		for _, rec := range manifest.Records {
			if err := e.fs.Remove(l.abs(rec.RelPath)); err != nil {
				log.WithField("path", rec.RelPath).WithError(err).Warn("failed to remove original")
			}
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

// encryptEntry writes the artifact for one source and returns its record.
func (e *Engine) encryptEntry(ctx context.Context, run *encryptRun, entry FileEntry) (EncryptedFileRecord, error) {
	var rec EncryptedFileRecord
	log := run.log.WithField("path", entry.RelPath)
	err := e.withRetry(ctx, log, func() error {
		var err error
		rec, err = e.encryptOnce(ctx, run, entry)
		return err
	})
	return rec, err
}

func (e *Engine) encryptOnce(ctx context.Context, run *encryptRun, entry FileEntry) (EncryptedFileRecord, error) {
	artifact := run.layout.artifact(entry.RelPath)
	if pathExists(e.fs, artifact) {
		return EncryptedFileRecord{}, fmt.Errorf("%w: %s", ErrArtifactExists, artifact)
	}

	before, err := e.fs.Stat(entry.AbsPath)
	if err != nil {
		return EncryptedFileRecord{}, err
	}
	nonce, err := run.nonces.Next()
	if err != nil {
		return EncryptedFileRecord{}, err
	}

	src, err := e.fs.OpenFile(entry.AbsPath, os.O_RDONLY, 0)
	if err != nil {
		return EncryptedFileRecord{}, err
	}
	defer src.Close()

	pf, err := run.writer.Create(artifact)
	if err != nil {
		return EncryptedFileRecord{}, err
	}
	hdr := NewFileHeader(e.config.Cipher, e.config.ChunkSize, nonce)
	sr, err := EncryptStream(ctx, pf, src, run.key.Bytes(), hdr, entry.RelPath, func(n int64) {
		e.progress.Advance(entry.RelPath, n)
	})
	if err != nil {
		pf.Abort()
		return EncryptedFileRecord{}, err
	}

	after, err := e.fs.Stat(entry.AbsPath)
	if err != nil {
		pf.Abort()
		return EncryptedFileRecord{}, err
	}
	if after.Size() != sr.PlaintextSize || !after.ModTime().Equal(before.ModTime()) {
		pf.Abort()
		return EncryptedFileRecord{}, fmt.Errorf("%w: %s", ErrSourceChanged, entry.RelPath)
	}

	expected := CiphertextLength(sr.PlaintextSize, e.config.ChunkSize)
	err = pf.Commit(func(temp string) error {
		return e.verifyArtifact(ctx, temp, entry.RelPath, expected, sr.Tag, run.key.Bytes())
	})
	if !inPlace(err) {
		return EncryptedFileRecord{}, err
	}
	if err != nil {
		run.log.WithField("path", entry.RelPath).WithError(err).Warn("artifact committed without directory sync")
	}

	return EncryptedFileRecord{
		RelPath:          entry.RelPath,
		Nonce:            nonce,
		Tag:              sr.Tag,
		CiphertextLength: expected,
		Size:             sr.PlaintextSize,
		Perm:             before.Mode().Perm(),
		ModTime:          before.ModTime(),
	}, nil
}

// verifyArtifact checks a pending artifact before it is renamed into place.
func (e *Engine) verifyArtifact(ctx context.Context, temp, relPath string, size int64, tag, key []byte) error {
	f, err := e.fs.Open(temp)
	if err != nil {
		return NewIOError("open", temp, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return NewIOError("stat", temp, err)
	}
	if info.Size() != size {
		return NewIOError("verify", temp, fmt.Errorf("artifact is %d bytes, expected %d", info.Size(), size))
	}
	trailing, err := readTrailingTag(f, size)
	if err != nil {
		return NewIOError("verify", temp, err)
	}
	if subtle.ConstantTimeCompare(trailing, tag) != 1 {
		return NewIOError("verify", temp, errors.New("trailing tag does not match"))
	}
	if !e.config.VerifyWrites {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return NewIOError("seek", temp, err)
	}
	if _, err := VerifyStream(ctx, f, key, relPath, tag); err != nil {
		return NewIOError("verify", temp, err)
	}
	return nil
}

// checkSpace refuses the run when the filesystem reports too little room
// for every artifact plus the manifest.
func (e *Engine) checkSpace(ctx context.Context, l layout, r *Resolution, log *logrus.Entry) error {
	fsp, ok := e.fs.(FreeSpacer)
	if !ok {
		return nil
	}
	var need int64
	for _, entry := range r.Entries {
		need += CiphertextLength(entry.Size, e.config.ChunkSize) + manifestOverhead
	}
	free, err := fsp.FreeSpace(ctx, l.base)
	if err != nil {
		log.WithError(err).Debug("free space unavailable, skipping check")
		return nil
	}
	if uint64(need) > free {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need, free)
	}
	return nil
}

// rollback removes this run's committed artifacts and its marker.
func (e *Engine) rollback(run *encryptRun, committed []EncryptedFileRecord) {
	for _, rec := range committed {
		p := run.layout.artifact(rec.RelPath)
		if err := removeIfOurs(e.fs, p, run.nonces.Seed()); err != nil {
			run.log.WithField("path", rec.RelPath).WithError(err).Warn("rollback failed")
		}
	}
	if err := e.fs.Remove(run.layout.marker); err != nil {
		run.log.WithError(err).Warn("failed to remove pending marker")
	}
}

// removeIfOurs deletes the artifact at p only if its header nonce carries
// seed. It returns nil when there is nothing to delete.
func removeIfOurs(filesystem absfs.FileSystem, p string, seed []byte) error {
	f, err := filesystem.Open(p)
	if err != nil {
		if !pathExists(filesystem, p) {
			return nil
		}
		return err
	}
	hdr := &FileHeader{}
	_, herr := hdr.ReadFrom(f)
	f.Close()
	if herr != nil || !HasSeed(hdr.Nonce, seed) {
		return nil
	}
	return filesystem.Remove(p)
}
