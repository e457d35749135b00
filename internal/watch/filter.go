package watch

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

var vcsDirs = map[string]bool{".git": true, ".hg": true, ".svn": true, ".jj": true}

// FilterOptions configures which project paths never reach the router.
type FilterOptions struct {
	// OutputDir is excluded so the orchestrator does not react to its own writes.
	OutputDir string
	// BuildDirs are further directories the build tools write into, such as
	// the cargo target directory.
	BuildDirs []string
	// Exclude holds gitignore style patterns relative to the project root.
	Exclude []string
	// Gitignore enables the project's .gitignore files and .git/info/exclude.
	Gitignore bool
}

// Filter decides whether a project relative path is ignored.
type Filter struct {
	skipDirs []string
	matcher  gitignore.Matcher
}

// NewFilter builds a filter for the project at root.
func NewFilter(root string, opts FilterOptions) (*Filter, error) {
	f := &Filter{}
	for _, dir := range append([]string{opts.OutputDir}, opts.BuildDirs...) {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(root, dir)
		if err == nil && filepath.IsLocal(rel) {
			f.skipDirs = append(f.skipDirs, filepath.ToSlash(rel))
		}
	}

	var patterns []gitignore.Pattern
	if opts.Gitignore {
		ps, err := gitignore.ReadPatterns(osfs.New(root), nil)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, ps...)
	}
	for _, p := range opts.Exclude {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	if len(patterns) > 0 {
		f.matcher = gitignore.NewMatcher(patterns)
	}
	return f, nil
}

// Ignored reports whether rel, a slash separated path relative to the project
// root, should be dropped.
func (f *Filter) Ignored(rel string, isDir bool) bool {
	rel = path.Clean(rel)
	if rel == "." || rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")
	for _, p := range parts {
		if vcsDirs[p] {
			return true
		}
	}
	for _, dir := range f.skipDirs {
		if rel == dir || strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	if !isDir && isTempFile(parts[len(parts)-1]) {
		return true
	}
	return f.matcher != nil && f.matcher.Match(parts, isDir)
}

// isTempFile matches editor swap, backup and lock files.
func isTempFile(base string) bool {
	switch {
	case base == ".DS_Store", base == "Thumbs.db", base == "4913":
		return true
	case strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".swx"),
		strings.HasSuffix(base, ".tmp"),
		strings.HasPrefix(base, ".#"),
		strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"):
		return true
	}
	return false
}
