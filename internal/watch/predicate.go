package watch

import (
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/config"
)

// Predicate matches project relative paths against one step's watch clauses.
// A path matches when it is one of Files, matches Patterns, or lies under one
// of Dirs with an allowed extension. Extensions without Dirs apply to the whole
// project. Patterns use gitignore syntax, so `**` spans directories and a
// leading `!` excludes what an earlier pattern matched.
type Predicate struct {
	dirs     []string
	exts     map[string]bool
	files    map[string]bool
	patterns gitignore.Matcher
}

// NewPredicate compiles watch clauses.
func NewPredicate(p config.WatchPredicate) Predicate {
	pr := Predicate{
		exts:  make(map[string]bool, len(p.Extensions)),
		files: make(map[string]bool, len(p.Files)),
	}
	for _, d := range p.Dirs {
		d = path.Clean(strings.TrimPrefix(d, "./"))
		pr.dirs = append(pr.dirs, d)
	}
	for _, e := range p.Extensions {
		pr.exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	for _, f := range p.Files {
		pr.files[path.Clean(f)] = true
	}
	if len(p.Patterns) > 0 {
		ps := make([]gitignore.Pattern, 0, len(p.Patterns))
		for _, pattern := range p.Patterns {
			ps = append(ps, gitignore.ParsePattern(pattern, nil))
		}
		pr.patterns = gitignore.NewMatcher(ps)
	}
	return pr
}

// Match reports whether rel belongs to the step.
func (p Predicate) Match(rel string) bool {
	rel = path.Clean(rel)
	if p.files[rel] {
		return true
	}
	if p.patterns != nil && p.patterns.Match(strings.Split(rel, "/"), false) {
		return true
	}

	extOK := len(p.exts) == 0 || p.exts[strings.ToLower(strings.TrimPrefix(path.Ext(rel), "."))]
	if len(p.dirs) == 0 {
		return len(p.exts) > 0 && extOK
	}
	if !extOK {
		return false
	}
	for _, d := range p.dirs {
		if d == "." || rel == d || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

// Classifier maps paths to the steps they trigger.
type Classifier map[build.StepKind]Predicate

// NewClassifier compiles the predicates of every enabled step in cfg.
func NewClassifier(cfg *config.Config) Classifier {
	c := make(Classifier)
	steps := map[build.StepKind]config.StepConfig{
		build.Frontend: cfg.Steps.Frontend,
		build.Binary:   cfg.Steps.Binary,
		build.Style:    cfg.Steps.Style,
		build.Assets:   cfg.Steps.Assets,
	}
	for kind, sc := range steps {
		if sc.IsEnabled() {
			c[kind] = NewPredicate(sc.Watch)
		}
	}
	return c
}

// Classify returns every step whose predicate matches rel.
func (c Classifier) Classify(rel string) build.StepSet {
	var s build.StepSet
	for kind, p := range c {
		if p.Match(rel) {
			s = s.Add(kind)
		}
	}
	return s
}
