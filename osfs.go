package treecrypt

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpacer is implemented by filesystems that can report available
// bytes at a path. Encrypt uses it to refuse runs that cannot fit.
type FreeSpacer interface {
	FreeSpace(ctx context.Context, path string) (uint64, error)
}

// OSFS is an absfs.FileSystem over the host operating system. Relative
// names resolve against the directory set with Chdir, or the process
// working directory if none was set.
type OSFS struct {
	mu  sync.RWMutex
	cwd string
}

// NewOSFS returns a filesystem rooted at the host's real paths
func NewOSFS() *OSFS {
	return &OSFS{}
}

var (
	_ absfs.FileSystem = (*OSFS)(nil)
	_ Lstater          = (*OSFS)(nil)
	_ DirSyncer        = (*OSFS)(nil)
	_ FreeSpacer       = (*OSFS)(nil)
)

func (o *OSFS) resolve(name string) string {
	o.mu.RLock()
	cwd := o.cwd
	o.mu.RUnlock()
	if cwd == "" || filepath.IsAbs(name) {
		return filepath.FromSlash(name)
	}
	return filepath.Join(cwd, filepath.FromSlash(name))
}

func (o *OSFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := os.OpenFile(o.resolve(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (o *OSFS) Open(name string) (absfs.File, error) {
	return o.OpenFile(name, os.O_RDONLY, 0)
}

func (o *OSFS) Create(name string) (absfs.File, error) {
	return o.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (o *OSFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(o.resolve(name), perm)
}

func (o *OSFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(o.resolve(name), perm)
}

func (o *OSFS) Remove(name string) error {
	return os.Remove(o.resolve(name))
}

func (o *OSFS) RemoveAll(path string) error {
	return os.RemoveAll(o.resolve(path))
}

func (o *OSFS) Rename(oldpath, newpath string) error {
	return os.Rename(o.resolve(oldpath), o.resolve(newpath))
}

func (o *OSFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(o.resolve(name))
}

// Lstat stats name without following a final symbolic link
func (o *OSFS) Lstat(name string) (os.FileInfo, error) {
	return os.Lstat(o.resolve(name))
}

func (o *OSFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(o.resolve(name), mode)
}

func (o *OSFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return os.Chtimes(o.resolve(name), atime, mtime)
}

func (o *OSFS) Chown(name string, uid, gid int) error {
	return os.Chown(o.resolve(name), uid, gid)
}

func (o *OSFS) Truncate(name string, size int64) error {
	return os.Truncate(o.resolve(name), size)
}

func (o *OSFS) Separator() uint8 {
	return os.PathSeparator
}

func (o *OSFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (o *OSFS) Chdir(dir string) error {
	abs := o.resolve(dir)
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "chdir", Path: dir, Err: errors.New("not a directory")}
	}
	o.mu.Lock()
	o.cwd = abs
	o.mu.Unlock()
	return nil
}

func (o *OSFS) Getwd() (string, error) {
	o.mu.RLock()
	cwd := o.cwd
	o.mu.RUnlock()
	if cwd != "" {
		return cwd, nil
	}
	return os.Getwd()
}

func (o *OSFS) TempDir() string {
	return os.TempDir()
}

// ReadDir reads the named directory, sorted by filename
func (o *OSFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(o.resolve(name))
}

// ReadFile reads the named file
func (o *OSFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(o.resolve(name))
}

// SyncDir flushes the directory entry table of dir
func (o *OSFS) SyncDir(dir string) error {
	d, err := os.Open(o.resolve(dir))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// FreeSpace reports the bytes available to unprivileged users on the
// volume holding path. A path that does not exist yet is measured at its
// nearest existing ancestor.
func (o *OSFS) FreeSpace(ctx context.Context, path string) (uint64, error) {
	p := o.resolve(path)
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	usage, err := disk.UsageWithContext(ctx, p)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
