package treecrypt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func relPaths(r *Resolution) []string {
	out := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e.RelPath)
	}
	return out
}

func TestResolve_Directory(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{
		"b.txt":            "bb",
		"a/z.txt":          "z",
		"a/b/c.txt":        "ccc",
		"a-file.txt":       "x",
		"old.txt.tcrypt":   "artifact",
		".treecrypt.json":  "{}",
		".x.1.tcrypt-tmp":  "tmp",
		"keep.treecrypt":   "not ours",
		"sub/n.txt.tcrypt": "artifact",
	})

	res, err := Resolve(context.Background(), NewOSFS(), root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.IsDir {
		t.Error("expected a directory resolution")
	}

	want := []string{"a-file.txt", "a/b/c.txt", "a/z.txt", "b.txt", "keep.treecrypt"}
	got := relPaths(res)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("entries = %v, want %v", got, want)
	}
	if res.TotalBytes() != int64(1+3+1+2+len("not ours")) {
		t.Errorf("TotalBytes = %d", res.TotalBytes())
	}
	if len(res.Failures) != 0 {
		t.Errorf("unexpected failures: %v", res.Failures)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	root := tempRoot(t)
	files := make(map[string]string)
	for _, name := range []string{"q", "b/a", "b/c", "Z", "a", "m/n/o"} {
		files[name+".dat"] = name
	}
	writeTree(t, root, files)

	first, err := Resolve(context.Background(), NewOSFS(), root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Resolve(context.Background(), NewOSFS(), root)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if strings.Join(relPaths(again), ",") != strings.Join(relPaths(first), ",") {
			t.Fatalf("order changed between runs: %v vs %v", relPaths(again), relPaths(first))
		}
	}
}

func TestResolve_SkipsSymlinks(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{"real.txt": "r", "dir/inner.txt": "i"})
	base := filepath.FromSlash(root)
	if err := os.Symlink(filepath.Join(base, "real.txt"), filepath.Join(base, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(base, "dir"), filepath.Join(base, "dirlink")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res, err := Resolve(context.Background(), NewOSFS(), root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := strings.Join(relPaths(res), ","); got != "dir/inner.txt,real.txt" {
		t.Errorf("entries = %s", got)
	}
}

func TestResolve_File(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{"one.txt": "1", "two.txt": "2"})

	res, err := Resolve(context.Background(), NewOSFS(), root+"/one.txt")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.IsDir || len(res.Entries) != 1 || res.Entries[0].RelPath != "one.txt" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res.Entries[0].AbsPath != root+"/one.txt" {
		t.Errorf("AbsPath = %s", res.Entries[0].AbsPath)
	}
}

func TestResolve_Errors(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{"x.txt.tcrypt": "a"})
	empty := root + "/empty"
	if err := os.Mkdir(filepath.FromSlash(empty), 0o755); err != nil {
		t.Fatal(err)
	}
	onlyOwn := root + "/own"
	writeTree(t, onlyOwn, map[string]string{"a.tcrypt": "x", MarkerName: "{}"})

	tests := []struct {
		name string
		root string
		want error
	}{
		{"missing", root + "/nope", ErrPathNotFound},
		{"empty dir", empty, ErrEmptyTree},
		{"only own files", onlyOwn, ErrEmptyTree},
		{"artifact as root", root + "/x.txt.tcrypt", ErrEmptyTree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(context.Background(), NewOSFS(), tt.root)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolve_UnreadableEntries(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{
		"ok.txt":         "ok",
		"secret.txt":     "s",
		"locked/in.txt":  "i",
		"locked2/ok.txt": "o",
	})
	ffs := newFaultFS()
	ffs.denyOpen = func(name string) bool {
		return strings.HasSuffix(name, "/secret.txt") || strings.HasSuffix(name, "/locked")
	}

	res, err := Resolve(context.Background(), ffs, root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := strings.Join(relPaths(res), ","); got != "locked2/ok.txt,ok.txt" {
		t.Errorf("entries = %s", got)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %v", res.Failures)
	}
	for _, f := range res.Failures {
		if f.Kind != KindPermissionDenied {
			t.Errorf("%s: kind = %v, want PermissionDenied", f.Path, f.Kind)
		}
	}
}

func TestResolve_UnreadableRoot(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{"a.txt": "a"})
	ffs := newFaultFS()
	ffs.denyOpen = func(name string) bool { return name == root }

	_, err := Resolve(context.Background(), ffs, root)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
}

func TestResolve_Cancelled(t *testing.T) {
	root := tempRoot(t)
	writeTree(t, root, map[string]string{"a.txt": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Resolve(ctx, NewOSFS(), root); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
