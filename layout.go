package treecrypt

import (
	"path"
	"strings"
)

// On-disk names.
const (
	// ArtifactExt is appended to a source name to form its artifact name
	ArtifactExt = ".tcrypt"

	// ManifestName is the manifest of a directory root, inside the root
	ManifestName = ".treecrypt.json"

	// MarkerName is the pending marker of a directory root, inside the root
	MarkerName = ".treecrypt.pending"

	manifestSuffix = ".treecrypt.json"
	markerSuffix   = ".treecrypt.pending"
)

// layout locates everything a run reads or writes for one root. Record
// paths are relative to base: the root itself for a directory, the
// parent directory for a single file.
type layout struct {
	root     string
	base     string
	isDir    bool
	manifest string
	marker   string
}

func newLayout(root string, isDir bool) layout {
	root = cleanPath(root)
	if isDir {
		return layout{
			root:     root,
			base:     root,
			isDir:    true,
			manifest: path.Join(root, ManifestName),
			marker:   path.Join(root, MarkerName),
		}
	}
	return layout{
		root:     root,
		base:     path.Dir(root),
		manifest: root + manifestSuffix,
		marker:   root + markerSuffix,
	}
}

// abs returns the absolute path of a record path.
func (l layout) abs(relPath string) string {
	return path.Join(l.base, relPath)
}

// artifact returns the artifact path of a record path.
func (l layout) artifact(relPath string) string {
	return l.abs(relPath) + ArtifactExt
}

// rootName is what the manifest records as the root name.
func (l layout) rootName() string {
	return path.Base(l.root)
}

// isOwnFile reports whether name is something this package writes:
// artifacts, temporaries, manifests and markers.
func isOwnFile(name string) bool {
	return strings.HasSuffix(name, ArtifactExt) ||
		strings.HasSuffix(name, TempSuffix) ||
		strings.HasSuffix(name, manifestSuffix) ||
		strings.HasSuffix(name, markerSuffix)
}

func cleanPath(p string) string {
	if p == "" {
		return "."
	}
	return path.Clean(p)
}
