package treecrypt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

const maxMarkerSize = 64 << 20

// staleTempAge is how old a pending file of a run other than the marker's
// must be before Recover treats it as abandoned. Younger ones may belong to
// a run still working elsewhere in the tree.
const staleTempAge = 24 * time.Hour

// pendingMarker is written before the first artifact of a run and removed
// once its manifest is committed or the run rolled back. Finding one means
// the run was interrupted.
type pendingMarker struct {
	RunID     string   `json:"run_id"`
	RunSeed   []byte   `json:"run_seed"`
	Artifacts []string `json:"artifacts"` // Relative to the layout base
}

// RecoverReport lists what Recover cleaned up
type RecoverReport struct {
	TempsRemoved     []string
	ArtifactsRemoved []string
	MarkerRunID      string // Run id of a found marker, if any
	Committed        bool   // The marker's run had already committed its manifest
}

func writeMarker(w *AtomicWriter, name string, m pendingMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode pending marker: %w", err)
	}
	return w.WriteFile(name, data)
}

func readMarker(filesystem absfs.FileSystem, name string) (*pendingMarker, error) {
	data, err := readAll(filesystem, name, maxMarkerSize)
	if err != nil {
		return nil, err
	}
	var m pendingMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &CorruptionError{Path: name, Message: "invalid pending marker", Err: err}
	}
	return &m, nil
}

// Recover cleans up after an interrupted run on root. It removes pending
// files of the marker's run and those older than a day and, when a pending marker exists without a matching
// committed manifest, the artifacts that marker's run produced. Files from
// other runs are never touched: an artifact is only removed if its header
// nonce carries the marker's run seed.
func (e *Engine) Recover(ctx context.Context, root string) (*RecoverReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	l, err := e.recoveryLayout(root)
	if err != nil {
		return nil, err
	}
	return e.recoverLayout(ctx, l, e.runLog("recover", root, ""))
}

func (e *Engine) recoveryLayout(root string) (layout, error) {
	p := cleanPath(root)
	switch {
	case path.Base(p) == MarkerName:
		return newLayout(path.Dir(p), true), nil
	case strings.HasSuffix(p, markerSuffix):
		return newLayout(strings.TrimSuffix(p, markerSuffix), false), nil
	}
	info, err := lstat(e.fs, p)
	if err == nil {
		return newLayout(p, info.IsDir()), nil
	}
	if l := newLayout(p, false); pathExists(e.fs, l.marker) || pathExists(e.fs, l.manifest) {
		return l, nil
	}
	return layout{}, fmt.Errorf("%w: %s", ErrPathNotFound, p)
}

func (e *Engine) recoverLayout(ctx context.Context, l layout, log *logrus.Entry) (*RecoverReport, error) {
	report := &RecoverReport{}

	marker, markerErr := readMarker(e.fs, l.marker)
	var markerRun string
	if markerErr == nil {
		markerRun = marker.RunID
	}

	var temps []string
	var err error
	if l.isDir {
		temps, err = findTemps(ctx, e.fs, l.base)
	} else {
		temps, err = findFileTemps(e.fs, l.base, path.Base(l.root))
	}
	if err != nil {
		return report, err
	}
	for _, t := range temps {
		if !e.staleTemp(t, markerRun) {
			continue
		}
		if err := e.fs.Remove(t); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WithField("path", t).WithError(err).Warn("failed to remove stale temporary")
			continue
		}
		report.TempsRemoved = append(report.TempsRemoved, t)
	}

	switch {
	case errors.Is(markerErr, fs.ErrNotExist):
		return report, nil
	case markerErr != nil:
		var ce *CorruptionError
		if errors.As(markerErr, &ce) {
			// nothing can be attributed to an unreadable marker
			log.WithError(markerErr).Warn("discarding unreadable pending marker")
			return report, e.fs.Remove(l.marker)
		}
		return report, markerErr
	}
	report.MarkerRunID = marker.RunID
	log = log.WithField("run_id", marker.RunID)

	if m, err := LoadManifest(e.fs, l.manifest); err == nil && m.RunID == marker.RunID {
		report.Committed = true
		log.Info("interrupted run had committed, removing marker")
		return report, e.fs.Remove(l.marker)
	}

	for _, rel := range marker.Artifacts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if ValidateRelPath(rel) != nil || !strings.HasSuffix(rel, ArtifactExt) {
			continue
		}
		p := path.Join(l.base, rel)
		if !pathExists(e.fs, p) {
			continue
		}
		if err := removeIfOurs(e.fs, p, marker.RunSeed); err != nil {
			log.WithField("path", rel).WithError(err).Warn("failed to remove orphaned artifact")
			continue
		}
		if !pathExists(e.fs, p) {
			report.ArtifactsRemoved = append(report.ArtifactsRemoved, rel)
		}
	}
	log.WithField("artifacts", len(report.ArtifactsRemoved)).Info("rolled back interrupted run")
	return report, e.fs.Remove(l.marker)
}

// staleTemp reports whether the pending file p may be removed: it belongs
// to the interrupted run markerRun, or it is older than staleTempAge.
func (e *Engine) staleTemp(p, markerRun string) bool {
	if markerRun != "" && tempRunID(path.Base(p)) == markerRun {
		return true
	}
	info, err := e.fs.Stat(p)
	return err == nil && time.Since(info.ModTime()) > staleTempAge
}

// tempRunID extracts the run id from a name produced by TempPath.
func tempRunID(name string) string {
	s := strings.TrimSuffix(name, TempSuffix)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// findTemps returns every pending file beneath dir.
func findTemps(ctx context.Context, filesystem absfs.FileSystem, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := readDir(filesystem, dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		p := path.Join(dir, info.Name())
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
		case info.IsDir():
			sub, err := findTemps(ctx, filesystem, p)
			if err != nil {
				// unreadable directories cannot hold our temporaries
				if errors.Is(err, fs.ErrPermission) {
					continue
				}
				return nil, err
			}
			out = append(out, sub...)
		case strings.HasSuffix(info.Name(), TempSuffix):
			out = append(out, p)
		}
	}
	return out, nil
}

// findFileTemps returns the pending files in dir that belong to name.
func findFileTemps(filesystem absfs.FileSystem, dir, name string) ([]string, error) {
	infos, err := readDir(filesystem, dir)
	if err != nil {
		return nil, err
	}
	prefix := "." + name + "."
	var out []string
	for _, info := range infos {
		n := info.Name()
		if info.Mode().IsRegular() && strings.HasPrefix(n, prefix) && strings.HasSuffix(n, TempSuffix) {
			out = append(out, path.Join(dir, n))
		}
	}
	return out, nil
}
