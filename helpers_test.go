package treecrypt

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/absfs/absfs"
)

const testPassword = "correct horse battery staple"

// fastKDF keeps tests quick; production parameters are far higher.
var fastKDF = KDFParams{Algorithm: KDFArgon2id, Time: 1, MemoryKiB: MinArgon2MemoryKiB, Threads: 1}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.KDF = fastKDF
	cfg.ChunkSize = MinChunkSize
	cfg.Workers = 4
	cfg.RetryBackoff = 1
	return cfg
}

func newTestEngine(t *testing.T, filesystem absfs.FileSystem, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(filesystem, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

// tempRoot returns a fresh slash-separated directory
func tempRoot(t *testing.T) string {
	t.Helper()
	return filepath.ToSlash(t.TempDir())
}

// writeTree creates files under root; keys are slash-separated relative
// paths.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(filepath.FromSlash(root), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

// readTree returns every regular file under root keyed by relative path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	base := filepath.FromSlash(root)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(base, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

// plaintextOnly drops everything the engine writes from a tree listing
func plaintextOnly(tree map[string]string) map[string]string {
	out := make(map[string]string)
	for rel, content := range tree {
		if !isOwnFile(path.Base(rel)) {
			out[rel] = content
		}
	}
	return out
}

func countSuffix(tree map[string]string, suffix string) int {
	n := 0
	for rel := range tree {
		if strings.HasSuffix(rel, suffix) {
			n++
		}
	}
	return n
}

// faultFS wraps OSFS and injects failures chosen by the test.
type faultFS struct {
	*OSFS

	mu       sync.Mutex
	denyOpen func(name string) bool
	rename   func(oldpath, newpath string) error
	remove   func(name string) error
	syncDir  func(dir string) error
}

func newFaultFS() *faultFS {
	return &faultFS{OSFS: NewOSFS()}
}

func (f *faultFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f.mu.Lock()
	deny := f.denyOpen
	f.mu.Unlock()
	if deny != nil && deny(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	return f.OSFS.OpenFile(name, flag, perm)
}

func (f *faultFS) Open(name string) (absfs.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

func (f *faultFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	fn := f.rename
	f.mu.Unlock()
	if fn != nil {
		if err := fn(oldpath, newpath); err != nil {
			return err
		}
	}
	return f.OSFS.Rename(oldpath, newpath)
}

func (f *faultFS) Remove(name string) error {
	f.mu.Lock()
	fn := f.remove
	f.mu.Unlock()
	if fn != nil {
		if err := fn(name); err != nil {
			return err
		}
	}
	return f.OSFS.Remove(name)
}

func (f *faultFS) SyncDir(dir string) error {
	f.mu.Lock()
	fn := f.syncDir
	f.mu.Unlock()
	if fn != nil {
		if err := fn(dir); err != nil {
			return err
		}
	}
	return f.OSFS.SyncDir(dir)
}

// recordingJournal is an in-memory Journal
type recordingJournal struct {
	mu    sync.Mutex
	begun []RunRecord
	ended []RunRecord
}

func (j *recordingJournal) Begin(rec RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, rec)
	return nil
}

func (j *recordingJournal) Finish(rec RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, rec)
	return nil
}
