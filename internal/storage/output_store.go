package storage

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"git.home.luguber.info/inful/devloop/internal/build"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// Stats counts physical filesystem operations performed by the store.
type Stats struct {
	Writes    int64
	Removes   int64
	Unchanged int64
}

// OutputStore owns the output tree. A file is only rewritten when its content
// changes, and every write replaces the old file in one rename, so a reader
// sees either the old or the new content. The store is safe for concurrent use.
type OutputStore struct {
	layout Layout

	mu      sync.Mutex
	entries map[string]entry
	dirty   bool
	stats   Stats
}

// NewOutputStore opens the output tree described by layout, creating it if
// needed. Fingerprints from an earlier session are reused for files whose size
// and modification time still match.
func NewOutputStore(layout Layout) (*OutputStore, error) {
	if err := os.MkdirAll(layout.Root, 0o750); err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryWrite, "failed to create output dir").
			WithPath(layout.Root).
			Fatal().
			Build()
	}

	s := &OutputStore{layout: layout, entries: make(map[string]entry)}
	if layout.FingerprintFile != "" {
		s.seed()
	}
	return s, nil
}

func (s *OutputStore) seed() {
	prior, err := readFingerprintFile(s.layout.Abs(s.layout.FingerprintFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Ignoring unreadable fingerprint file", logfields.Error(err))
		}
		return
	}
	kept := 0
	for rel, e := range prior {
		info, statErr := os.Stat(s.layout.Abs(rel))
		if statErr != nil || info.Size() != e.fp.Size || info.ModTime().UnixNano() != e.modTime {
			continue
		}
		s.entries[rel] = e
		kept++
	}
	slog.Debug("Seeded output fingerprints", slog.Int("kept", kept), slog.Int("stored", len(prior)))
}

// Layout returns the tree layout.
func (s *OutputStore) Layout() Layout { return s.layout }

// Write stores data at rel unless the file already holds exactly that content.
func (s *OutputStore) Write(rel string, data []byte) (Delta, error) {
	rel, err := s.clean(rel)
	if err != nil {
		return Delta{}, err
	}
	fp := fingerprintBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	d := Delta{Class: s.layout.Classify(rel), Path: rel}
	if s.matches(rel, fp) {
		s.stats.Unchanged++
		return d, nil
	}
	if err := s.replace(rel, 0o644, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	}); err != nil {
		return d, err
	}
	s.record(rel, fp)
	d.Kind = Replaced
	return d, nil
}

// WriteFile stores the content of src at rel, streaming it. The permission
// bits of src are kept.
func (s *OutputStore) WriteFile(rel, src string) (Delta, error) {
	rel, err := s.clean(rel)
	if err != nil {
		return Delta{}, err
	}

	info, err := os.Stat(src)
	if err != nil {
		return Delta{Path: rel}, writeFailure(err, "failed to read artifact source", rel)
	}
	fp, err := fingerprintFile(src)
	if err != nil {
		return Delta{Path: rel}, writeFailure(err, "failed to read artifact source", rel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := Delta{Class: s.layout.Classify(rel), Path: rel}
	if s.matches(rel, fp) {
		s.stats.Unchanged++
		return d, nil
	}
	if err := s.replace(rel, info.Mode().Perm(), func(w io.Writer) error {
		in, oerr := os.Open(src)
		if oerr != nil {
			return oerr
		}
		defer in.Close()
		_, cerr := io.Copy(w, in)
		return cerr
	}); err != nil {
		return d, err
	}
	s.record(rel, fp)
	d.Kind = Replaced
	return d, nil
}

// Remove deletes rel. Removing a missing file is Unchanged.
func (s *OutputStore) Remove(rel string) (Delta, error) {
	rel, err := s.clean(rel)
	if err != nil {
		return Delta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(rel)
}

func (s *OutputStore) remove(rel string) (Delta, error) {
	d := Delta{Class: s.layout.Classify(rel), Path: rel}
	if err := os.Remove(s.layout.Abs(rel)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.forget(rel)
			return d, nil
		}
		return d, writeFailure(err, "failed to remove output", rel)
	}
	s.forget(rel)
	s.stats.Removes++
	s.pruneDirs(path.Dir(rel))
	d.Kind = Removed
	return d, nil
}

// Promote applies step outputs to the tree. Artifacts are written in the order
// given; outputs with a mirror root then have every file under that root
// which they did not list removed. A failed artifact is reported and skipped.
func (s *OutputStore) Promote(outputs []build.Output) (Report, error) {
	var (
		report Report
		errs   []error
	)
	add := func(d Delta, err error, rel string) {
		if err != nil {
			slog.Error("Output write failed", logfields.Path(rel), logfields.Error(err))
			report.Failed = append(report.Failed, rel)
			errs = append(errs, err)
			return
		}
		report.Deltas = append(report.Deltas, d)
		if d.Changed() {
			report.Changed = report.Changed.Add(d.Class)
		}
	}

	for _, out := range outputs {
		for _, a := range out.Artifacts {
			d, err := s.WriteFile(a.Dest, a.Source)
			add(d, err, a.Dest)
		}
	}

	for _, out := range outputs {
		if out.MirrorRoot == "" {
			continue
		}
		keep := make(map[string]bool, len(out.Artifacts))
		for _, a := range out.Artifacts {
			keep[path.Clean(a.Dest)] = true
		}
		stale, err := s.stale(path.Clean(out.MirrorRoot), keep)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rel := range stale {
			d, rerr := s.Remove(rel)
			add(d, rerr, rel)
		}
	}
	return report, errors.Join(errs...)
}

// stale lists files under root not in keep, skipping regions owned by other
// producers and the store's own files.
func (s *OutputStore) stale(root string, keep map[string]bool) ([]string, error) {
	protected := []string{s.layout.PkgPath(), s.layout.BinDir}
	var out []string
	err := filepath.WalkDir(s.layout.Abs(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		relOS, err := filepath.Rel(s.layout.Root, p)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relOS)
		if s.layout.reserved(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		for _, dir := range protected {
			if under(rel, dir) && !under(root, dir) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		if !keep[rel] {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, writeFailure(err, "failed to scan mirror root", root)
	}
	sort.Strings(out)
	return out, nil
}

// Fingerprint returns the recorded fingerprint of rel.
func (s *OutputStore) Fingerprint(rel string) (Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path.Clean(rel)]
	return e.fp, ok
}

// Stats returns the operation counters.
func (s *OutputStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SaveFingerprints persists the fingerprint table when it changed since the
// last save.
func (s *OutputStore) SaveFingerprints() error {
	if s.layout.FingerprintFile == "" {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]entry, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	if err := writeFingerprintFile(s.layout.Abs(s.layout.FingerprintFile), snapshot); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return writeFailure(err, "failed to save fingerprints", s.layout.FingerprintFile)
	}
	return nil
}

// matches reports whether rel already holds content fp. Files the store has
// no record of are hashed from disk once. Caller holds s.mu.
func (s *OutputStore) matches(rel string, fp Fingerprint) bool {
	if e, ok := s.entries[rel]; ok {
		return e.fp == fp
	}
	abs := s.layout.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() || info.Size() != fp.Size {
		return false
	}
	onDisk, err := fingerprintFile(abs)
	if err != nil {
		return false
	}
	if onDisk != fp {
		return false
	}
	s.entries[rel] = entry{fp: onDisk, modTime: info.ModTime().UnixNano()}
	s.dirty = true
	return true
}

// replace writes rel through a temporary file in the same directory and
// renames it into place. Caller holds s.mu.
func (s *OutputStore) replace(rel string, perm fs.FileMode, fill func(io.Writer) error) error {
	abs := s.layout.Abs(rel)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return writeFailure(err, "failed to create output dir", rel)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return writeFailure(err, "failed to create temp file", rel)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return writeFailure(err, "failed to write output", rel)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return writeFailure(err, "failed to write output", rel)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return writeFailure(err, "failed to set output mode", rel)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		cleanup()
		return writeFailure(err, "failed to replace output", rel)
	}
	s.stats.Writes++
	return nil
}

// record stores the fingerprint of a file just written. Caller holds s.mu.
func (s *OutputStore) record(rel string, fp Fingerprint) {
	e := entry{fp: fp}
	if info, err := os.Stat(s.layout.Abs(rel)); err == nil {
		e.modTime = info.ModTime().UnixNano()
	}
	s.entries[rel] = e
	s.dirty = true
}

func (s *OutputStore) forget(rel string) {
	if _, ok := s.entries[rel]; ok {
		delete(s.entries, rel)
		s.dirty = true
	}
}

// pruneDirs removes empty directories from dir up to, not including, the root.
func (s *OutputStore) pruneDirs(dir string) {
	for dir != "." && dir != "/" && dir != "" {
		if err := os.Remove(s.layout.Abs(dir)); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

func (s *OutputStore) clean(rel string) (string, error) {
	c := path.Clean(filepath.ToSlash(rel))
	if !filepath.IsLocal(filepath.FromSlash(c)) {
		return "", foundationerrors.ValidationError("output path escapes the output dir").
			WithPath(rel).
			Build()
	}
	if s.layout.reserved(c) {
		return "", foundationerrors.ValidationError("output path is reserved").
			WithPath(rel).
			Build()
	}
	return c, nil
}

func writeFailure(err error, message, rel string) error {
	return foundationerrors.WrapError(err, foundationerrors.CategoryWrite, message).
		WithPath(rel).
		Build()
}
