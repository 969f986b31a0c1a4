package treecrypt

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// TempSuffix marks pending files. Anything carrying it is garbage once
// its run has ended and is removed by Recover.
const TempSuffix = ".tcrypt-tmp"

// DirSyncer is implemented by filesystems that can flush a directory so
// that a completed rename survives power loss.
type DirSyncer interface {
	SyncDir(dir string) error
}

// AtomicWriter creates files that become visible under their final name
// only once they are complete, synced and verified.
type AtomicWriter struct {
	fs    absfs.FileSystem
	runID string
}

// NewAtomicWriter returns a writer whose temporaries are tagged with runID
func NewAtomicWriter(filesystem absfs.FileSystem, runID string) *AtomicWriter {
	return &AtomicWriter{fs: filesystem, runID: runID}
}

// TempPath returns the pending path used for final within runID.
func TempPath(final, runID string) string {
	dir, name := path.Split(final)
	return path.Join(dir, "."+name+"."+runID+TempSuffix)
}

// PendingFile is an in-progress write. Callers must end it with Commit or
// Abort; Abort after Commit is a no-op.
type PendingFile struct {
	w       *AtomicWriter
	file    absfs.File
	final   string
	temp    string
	written int64
	closed  bool
	done    bool
}

// Create opens a new pending file for final. The temporary is created
// exclusively with mode 0600.
func (w *AtomicWriter) Create(final string) (*PendingFile, error) {
	temp := TempPath(final, w.runID)
	f, err := w.fs.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, NewIOError("create", temp, err)
	}
	return &PendingFile{w: w, file: f, final: final, temp: temp}, nil
}

// Write appends to the pending file
func (p *PendingFile) Write(b []byte) (int, error) {
	if p.closed {
		return 0, fs.ErrClosed
	}
	n, err := p.file.Write(b)
	p.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far
func (p *PendingFile) Written() int64 { return p.written }

// TempName returns the temporary path
func (p *PendingFile) TempName() string { return p.temp }

// Commit makes the file durable and visible: Sync, Close, verify, Rename,
// then a directory sync where supported. verify receives the temporary
// path and may be nil. On any error before the rename the temporary is
// removed. An error wrapping ErrDirSync means the file is already in
// place under its final name but the rename may not survive power loss.
func (p *PendingFile) Commit(verify func(temp string) error) error {
	if p.done {
		return errors.New("pending file already finished")
	}
	if err := p.file.Sync(); err != nil {
		p.Abort()
		return NewIOError("sync", p.temp, err)
	}
	p.closed = true
	if err := p.file.Close(); err != nil {
		p.Abort()
		return NewIOError("close", p.temp, err)
	}

	info, err := p.w.fs.Stat(p.temp)
	if err != nil {
		p.Abort()
		return NewIOError("stat", p.temp, err)
	}
	if info.Size() != p.written {
		p.Abort()
		return NewIOError("verify", p.temp, fmt.Errorf("size %d, wrote %d", info.Size(), p.written))
	}
	if verify != nil {
		if err := verify(p.temp); err != nil {
			p.Abort()
			return err
		}
	}

	if err := p.w.fs.Rename(p.temp, p.final); err != nil {
		p.Abort()
		return NewIOError("rename", p.final, err)
	}
	p.done = true
	if err := p.w.syncDir(path.Dir(p.final)); err != nil {
		return fmt.Errorf("%w: %w", ErrDirSync, err)
	}
	return nil
}

// Abort discards the pending file
func (p *PendingFile) Abort() {
	if p.done {
		return
	}
	p.done = true
	if !p.closed {
		p.closed = true
		_ = p.file.Close()
	}
	_ = p.w.fs.Remove(p.temp)
}

// WriteFile atomically replaces final with data.
func (w *AtomicWriter) WriteFile(final string, data []byte) error {
	p, err := w.Create(final)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		p.Abort()
		return NewIOError("write", p.temp, err)
	}
	return p.Commit(nil)
}

// inPlace reports whether a Commit or WriteFile error still left the
// file under its final name.
func inPlace(err error) bool {
	return err == nil || errors.Is(err, ErrDirSync)
}

func (w *AtomicWriter) syncDir(dir string) error {
	ds, ok := w.fs.(DirSyncer)
	if !ok {
		return nil
	}
	if err := ds.SyncDir(dir); err != nil {
		return NewIOError("sync", dir, err)
	}
	return nil
}

// readAll reads a whole small file from filesystem.
func readAll(filesystem absfs.FileSystem, name string, limit int64) ([]byte, error) {
	f, err := filesystem.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, limit)
	}
	return data, nil
}

// pathExists reports whether name exists. Errors other than not-exist
// count as existing so callers never clobber what they cannot see.
func pathExists(filesystem absfs.FileSystem, name string) bool {
	_, err := filesystem.Stat(name)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
