package storage

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/devloop/internal/build"
)

// DeltaKind is the outcome of one store operation.
type DeltaKind uint8

const (
	// Unchanged means the file already had the requested content, or a
	// removed file did not exist. Nothing was written.
	Unchanged DeltaKind = iota
	// Replaced means the file was created or its content changed.
	Replaced
	// Removed means the file was deleted.
	Removed
)

func (k DeltaKind) String() string {
	switch k {
	case Replaced:
		return "replaced"
	case Removed:
		return "removed"
	default:
		return "unchanged"
	}
}

// Delta reports what happened to one output path.
type Delta struct {
	Kind  DeltaKind
	Class build.ArtifactClass
	Path  string
}

// Changed reports whether the delta touched the filesystem.
func (d Delta) Changed() bool { return d.Kind != Unchanged }

// Report summarizes a promotion.
type Report struct {
	Deltas  []Delta
	Changed build.ClassSet
	// Failed lists artifacts that could not be written. Other artifacts of
	// the same promotion are still applied.
	Failed []string
}

// Count returns the number of deltas of kind.
func (r Report) Count(kind DeltaKind) int {
	n := 0
	for _, d := range r.Deltas {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Layout describes the output tree. All paths except Root are relative,
// slash separated and resolved against Root.
type Layout struct {
	Root            string
	SiteDir         string
	PkgDir          string // relative to SiteDir
	BinDir          string
	FingerprintFile string
}

// stagingDir holds per cycle step scratch space inside the output root.
const stagingDir = ".staging"

// PkgPath is the output relative package directory.
func (l Layout) PkgPath() string { return path.Join(l.SiteDir, l.PkgDir) }

// Abs resolves an output relative path.
func (l Layout) Abs(rel string) string { return filepath.Join(l.Root, filepath.FromSlash(rel)) }

// Staging is the scratch directory for one step of one cycle.
func (l Layout) Staging(cycle uint64, step string) string {
	return filepath.Join(l.Root, stagingDir, strconv.FormatUint(cycle, 10), step)
}

// CycleStaging is the scratch directory shared by all steps of one cycle.
func (l Layout) CycleStaging(cycle uint64) string {
	return filepath.Join(l.Root, stagingDir, strconv.FormatUint(cycle, 10))
}

// StagingRoot holds all cycle scratch directories.
func (l Layout) StagingRoot() string { return filepath.Join(l.Root, stagingDir) }

// Classify derives the artifact class of an output relative path.
func (l Layout) Classify(rel string) build.ArtifactClass {
	rel = path.Clean(filepath.ToSlash(rel))
	if under(rel, l.BinDir) {
		return build.ServerBinary
	}
	if under(rel, l.PkgPath()) {
		if strings.EqualFold(path.Ext(rel), ".css") {
			return build.Stylesheet
		}
		return build.ClientBundle
	}
	return build.StaticAsset
}

// reserved reports whether rel belongs to the store itself or to a region a
// mirror sweep must not touch.
func (l Layout) reserved(rel string) bool {
	return rel == l.FingerprintFile || under(rel, stagingDir)
}

func under(rel, dir string) bool {
	if dir == "" || dir == "." {
		return true
	}
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}
