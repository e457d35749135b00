package build

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/devloop/internal/config"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// CommandStep runs a fixed list of commands and collects the declared
// outputs into the cycle's staging directory.
type CommandStep struct {
	kind     StepKind
	root     string
	commands [][]string
	outputs  []config.OutputMapping
	env      []string
	vars     map[string]string
	runner   Runner
}

// NewCommandStep creates a command step. Placeholders in commands, outputs and
// env values are expanded from vars plus the per cycle STAGING and CYCLE values.
func NewCommandStep(kind StepKind, root string, sc config.StepConfig, vars map[string]string, runner Runner) *CommandStep {
	env := make([]string, 0, len(sc.Env))
	for k, v := range sc.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return &CommandStep{
		kind:     kind,
		root:     root,
		commands: sc.Commands,
		outputs:  sc.Outputs,
		env:      env,
		vars:     vars,
		runner:   runner,
	}
}

func (s *CommandStep) Kind() StepKind { return s.kind }

func (s *CommandStep) Run(ctx context.Context, req Request) (Output, error) {
	out := Output{Kind: s.kind}
	if err := os.MkdirAll(req.Staging, 0o750); err != nil {
		return out, foundationerrors.WrapError(err, foundationerrors.CategoryStep, "failed to create staging dir").
			WithPath(req.Staging).
			Build()
	}

	extra := map[string]string{
		config.VarStaging: req.Staging,
		config.VarCycle:   strconv.FormatUint(req.Cycle, 10),
	}
	expand := func(v string) string { return config.ExpandWith(v, s.vars, extra) }

	env := make([]string, len(s.env))
	for i, kv := range s.env {
		env[i] = expand(kv)
	}

	for _, argv := range s.commands {
		cmd := Command{Argv: make([]string, len(argv)), Dir: s.root, Env: env}
		for i, a := range argv {
			cmd.Argv[i] = expand(a)
		}
		slog.Debug("Running step command", logfields.Step(s.kind.String()), logfields.Cycle(req.Cycle), slog.String("command", cmd.String()))
		if err := s.runner.Run(ctx, cmd); err != nil {
			return out, err
		}
	}

	for _, m := range s.outputs {
		from := expand(m.From)
		if !filepath.IsAbs(from) {
			from = filepath.Join(s.root, from)
		}
		dest := path.Clean(filepath.ToSlash(expand(m.To)))
		if !filepath.IsLocal(filepath.FromSlash(dest)) {
			return out, foundationerrors.StepError("output destination escapes the output dir").
				WithContext("dest", dest).
				Build()
		}

		staged := from
		if !within(req.Staging, from) {
			staged = filepath.Join(req.Staging, "out", filepath.FromSlash(dest))
			if err := copyFile(from, staged); err != nil {
				return out, foundationerrors.WrapError(err, foundationerrors.CategoryStep, "declared output was not produced").
					WithContext("from", from).
					WithContext("dest", dest).
					UserAction().
					Build()
			}
		} else if _, err := os.Stat(from); err != nil {
			return out, foundationerrors.WrapError(err, foundationerrors.CategoryStep, "declared output was not produced").
				WithContext("from", from).
				WithContext("dest", dest).
				UserAction().
				Build()
		}
		out.Artifacts = append(out.Artifacts, Artifact{Source: staged, Dest: dest})
	}
	return out, nil
}

// AssetsStep mirrors a source directory into an output subtree. Every file is
// staged by hard link, or by copy when linking fails, so promotion reads what
// the walk saw even if the source is replaced meanwhile.
type AssetsStep struct {
	source   string
	dest     string
	reserved map[string]bool
	skip     func(rel string, isDir bool) bool
}

// NewAssetsStep mirrors source into dest, an output relative directory.
// Top level entries named in reserved are left out. skip may be nil.
func NewAssetsStep(source, dest string, reserved []string, skip func(rel string, isDir bool) bool) *AssetsStep {
	r := make(map[string]bool, len(reserved))
	for _, name := range reserved {
		r[name] = true
	}
	return &AssetsStep{source: source, dest: dest, reserved: r, skip: skip}
}

func (s *AssetsStep) Kind() StepKind { return Assets }

func (s *AssetsStep) Run(ctx context.Context, req Request) (Output, error) {
	out := Output{Kind: Assets, MirrorRoot: s.dest}

	if _, err := os.Stat(s.source); os.IsNotExist(err) {
		// A missing source mirrors as empty.
		return out, nil
	}

	err := filepath.WalkDir(s.source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(s.source, p)
		if err != nil || rel == "." {
			return err
		}
		slashRel := filepath.ToSlash(rel)

		top, _, _ := strings.Cut(slashRel, "/")
		if s.reserved[top] {
			slog.Warn("Skipping reserved asset name", logfields.Path(slashRel))
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if s.skip != nil && s.skip(slashRel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			info, statErr := os.Stat(p)
			if statErr != nil || !info.Mode().IsRegular() {
				return nil
			}
		}
		staged := filepath.Join(req.Staging, rel)
		if err := stageFile(p, staged); err != nil {
			return err
		}
		out.Artifacts = append(out.Artifacts, Artifact{Source: staged, Dest: path.Join(s.dest, slashRel)})
		return nil
	})
	if err != nil {
		return Output{Kind: Assets}, foundationerrors.WrapError(err, foundationerrors.CategoryStep, "failed to scan assets").
			WithPath(s.source).
			Build()
	}
	slog.Debug("Collected assets", logfields.Cycle(req.Cycle), slog.Int("count", len(out.Artifacts)))
	return out, nil
}

// Options tune the steps built from configuration.
type Options struct {
	// Output receives tool output.
	Output io.Writer
	// SkipAsset excludes asset paths, typically the change feed's ignore filter.
	SkipAsset func(rel string, isDir bool) bool
}

// NewSteps builds the enabled steps of cfg keyed by kind.
func NewSteps(cfg *config.Config, opts Options) map[StepKind]Step {
	vars := cfg.Vars()
	runner := Runner{Output: opts.Output}
	steps := make(map[StepKind]Step, len(AllSteps))

	commandSteps := map[StepKind]config.StepConfig{
		Frontend: cfg.Steps.Frontend,
		Binary:   cfg.Steps.Binary,
		Style:    cfg.Steps.Style,
	}
	for kind, sc := range commandSteps {
		if sc.IsEnabled() {
			steps[kind] = NewCommandStep(kind, cfg.Project.Root, sc, vars, runner)
		}
	}

	if cfg.Steps.Assets.IsEnabled() {
		source := cfg.Assets.Dir
		if !filepath.IsAbs(source) {
			source = filepath.Join(cfg.Project.Root, source)
		}
		steps[Assets] = NewAssetsStep(source, cfg.Output.SiteDir, cfg.Assets.Reserved, opts.SkipAsset)
	}
	return steps
}

// EnabledSet is the set of kinds present in steps.
func EnabledSet(steps map[StepKind]Step) StepSet {
	var s StepSet
	for k := range steps {
		s = s.Add(k)
	}
	return s
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && filepath.IsLocal(rel)
}

// stageFile links src at dst, falling back to a copy across devices or on
// filesystems without hard links.
func stageFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

// copyFile copies src to dst through a temporary file, keeping the mode bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}
