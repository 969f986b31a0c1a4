package treecrypt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/absfs/absfs"
)

// FileEntry is one regular file selected for processing
type FileEntry struct {
	RelPath string      // Slash-separated, relative to the layout base
	AbsPath string      // Path on the filesystem
	Size    int64       // Size at resolution time
	Perm    fs.FileMode // Permission bits
	ModTime time.Time   // Modification time at resolution time
}

// Resolution is the output of Resolve
type Resolution struct {
	Root     string
	IsDir    bool
	Entries  []FileEntry   // Lexically ordered by RelPath
	Failures []*EntryError // Unreadable files and directories
}

// TotalBytes returns the summed size of all entries
func (r *Resolution) TotalBytes() int64 {
	var n int64
	for _, e := range r.Entries {
		n += e.Size
	}
	return n
}

// Lstater is implemented by filesystems that can stat without following
// symbolic links.
type Lstater interface {
	Lstat(name string) (os.FileInfo, error)
}

// Resolve expands root into the regular files beneath it. Traversal is
// lexical and deterministic. Symbolic links and special files are skipped,
// as are files this package writes itself. Unreadable entries are reported
// in Failures and do not stop the walk.
func Resolve(ctx context.Context, filesystem absfs.FileSystem, root string) (*Resolution, error) {
	root = cleanPath(root)
	info, err := lstat(filesystem, root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, root)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, root)
		}
		return nil, NewIOError("stat", root, err)
	}

	mode := info.Mode()
	switch {
	case mode.IsDir():
		res := &Resolution{Root: root, IsDir: true}
		if err := walkDir(ctx, filesystem, root, "", res); err != nil {
			return nil, err
		}
		if len(res.Entries) == 0 && len(res.Failures) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyTree, root)
		}
		// the walk is depth-first by name; records are keyed by full path
		sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].RelPath < res.Entries[j].RelPath })
		return res, nil

	case mode.IsRegular():
		res := &Resolution{Root: root}
		name := path.Base(root)
		if isOwnFile(name) {
			return nil, fmt.Errorf("%w: %s is an encryption artifact", ErrEmptyTree, root)
		}
		entry := newEntry(name, root, info)
		if err := probeReadable(filesystem, root); err != nil {
			res.Failures = append(res.Failures, newEntryError("resolve", name, err))
		} else {
			res.Entries = append(res.Entries, entry)
		}
		return res, nil

	default:
		return nil, fmt.Errorf("%w: %s is not a regular file or directory", ErrPathNotFound, root)
	}
}

func walkDir(ctx context.Context, filesystem absfs.FileSystem, dir, rel string, res *Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := readDir(filesystem, dir)
	if err != nil {
		if rel == "" {
			if errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("%w: %s", ErrPermissionDenied, dir)
			}
			return NewIOError("readdir", dir, err)
		}
		res.Failures = append(res.Failures, newEntryError("resolve", rel, err))
		return nil
	}

	for _, info := range infos {
		name := info.Name()
		childAbs := path.Join(dir, name)
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}

		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			continue
		case mode.IsDir():
			if err := walkDir(ctx, filesystem, childAbs, childRel, res); err != nil {
				return err
			}
		case mode.IsRegular():
			if isOwnFile(name) {
				continue
			}
			if err := probeReadable(filesystem, childAbs); err != nil {
				res.Failures = append(res.Failures, newEntryError("resolve", childRel, err))
				continue
			}
			res.Entries = append(res.Entries, newEntry(childRel, childAbs, info))
		}
	}
	return nil
}

// readDir lists dir sorted by name, without "." and "..".
func readDir(filesystem absfs.FileSystem, dir string) ([]os.FileInfo, error) {
	f, err := filesystem.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if n := info.Name(); n == "." || n == ".." || n == "" {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func newEntry(rel, abs string, info os.FileInfo) FileEntry {
	return FileEntry{
		RelPath: rel,
		AbsPath: abs,
		Size:    info.Size(),
		Perm:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}
}

func probeReadable(filesystem absfs.FileSystem, name string) error {
	f, err := filesystem.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

func lstat(filesystem absfs.FileSystem, name string) (os.FileInfo, error) {
	if l, ok := filesystem.(Lstater); ok {
		return l.Lstat(name)
	}
	return filesystem.Stat(name)
}
