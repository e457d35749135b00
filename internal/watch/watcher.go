package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// ChangeKind is what happened to a path.
type ChangeKind uint8

const (
	Created ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	default:
		return "removed"
	}
}

// ChangeEvent is one filesystem change below the project root.
type ChangeEvent struct {
	// Path is slash separated and relative to the project root.
	Path string
	Kind ChangeKind
	Time time.Time
}

// Watcher turns fsnotify events below a root into ChangeEvents. Directories
// created while watching are added recursively.
type Watcher struct {
	root   string
	filter *Filter
	fsw    *fsnotify.Watcher
	events chan ChangeEvent
}

// NewWatcher starts watching root. filter may be nil.
func NewWatcher(root string, filter *Filter) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryWatch, "failed to create watcher").Fatal().Build()
	}
	if filter == nil {
		filter = &Filter{}
	}
	w := &Watcher{root: root, filter: filter, fsw: fsw, events: make(chan ChangeEvent, 256)}
	if err := w.addRecursive(root, nil); err != nil {
		_ = fsw.Close()
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryWatch, "failed to watch project").
			WithPath(root).
			Build()
	}
	return w, nil
}

// Events delivers change events until Run returns.
func (w *Watcher) Events() <-chan ChangeEvent { return w.events }

// Run pumps events until ctx is done or the underlying watcher fails. A
// watcher error is fatal for the session: file changes can no longer be
// trusted to arrive.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return foundationerrors.WrapError(err, foundationerrors.CategoryWatch, "file watcher failed").Fatal().Build()
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	// Permission and timestamp only changes never alter build inputs.
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	isDir := false
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			isDir = true
		}
	}
	if w.filter.Ignored(rel, isDir) {
		return
	}

	now := time.Now()
	if isDir {
		// Files may land in a new directory before it is watched.
		_ = w.addRecursive(ev.Name, func(p string) {
			if r, ok := w.rel(p); ok {
				w.emit(ctx, ChangeEvent{Path: r, Kind: Created, Time: now})
			}
		})
		return
	}

	kind := changeKind(ev)
	slog.Debug("File change detected", logfields.Path(rel), slog.String("op", ev.Op.String()))
	w.emit(ctx, ChangeEvent{Path: rel, Kind: kind, Time: now})
}

// changeKind maps an fsnotify op onto a change kind. A rename is reported
// for the old name, which is gone unless something already replaced it.
func changeKind(ev fsnotify.Event) ChangeKind {
	switch {
	case ev.Op.Has(fsnotify.Create):
		return Created
	case ev.Op.Has(fsnotify.Remove):
		return Removed
	case ev.Op.Has(fsnotify.Rename):
		if _, err := os.Lstat(ev.Name); err == nil {
			return Created
		}
		return Removed
	}
	return Modified
}

func (w *Watcher) emit(ctx context.Context, ev ChangeEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *Watcher) rel(p string) (string, bool) {
	r, err := filepath.Rel(w.root, p)
	if err != nil || !filepath.IsLocal(r) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// addRecursive watches dir and its non ignored subdirectories. onFile, when
// set, is called for each regular file found.
func (w *Watcher) addRecursive(dir string, onFile func(string)) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		rel, ok := w.rel(p)
		if !ok && p != w.root {
			return nil
		}
		if d.IsDir() {
			if p != w.root && w.filter.Ignored(rel, true) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				slog.Warn("watch add failed", slog.String("dir", p), logfields.Error(err))
			}
			return nil
		}
		if onFile != nil && d.Type().IsRegular() && !w.filter.Ignored(rel, false) {
			onFile(p)
		}
		return nil
	})
}

// Close stops the underlying watcher. Run returns shortly after.
func (w *Watcher) Close() error { return w.fsw.Close() }
