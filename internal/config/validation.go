package config

import (
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strings"

	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

// Validate checks a configuration after defaults have been applied.
func Validate(cfg *Config) error {
	v := &configurationValidator{config: cfg}
	return v.validate()
}

type configurationValidator struct {
	config *Config
}

func (cv *configurationValidator) validate() error {
	checks := []func() error{
		cv.validateProject,
		cv.validateOutput,
		cv.validateWatch,
		cv.validateSteps,
		cv.validateServe,
		cv.validateReload,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (cv *configurationValidator) validateProject() error {
	if strings.TrimSpace(cv.config.Project.Name) == "" {
		return invalid("project name cannot be empty", "project.name", cv.config.Project.Name)
	}
	if strings.ContainsAny(cv.config.Project.Name, `/\`) {
		return invalid("project name cannot contain path separators", "project.name", cv.config.Project.Name)
	}
	return nil
}

func (cv *configurationValidator) validateOutput() error {
	o := cv.config.Output
	if filepath.Clean(cv.config.OutputRoot()) == filepath.Clean(cv.config.Project.Root) {
		return invalid("output dir cannot be the project root", "output.dir", o.Dir)
	}
	for field, value := range map[string]string{
		"output.site_dir":         o.SiteDir,
		"output.pkg_dir":          o.PkgDir,
		"output.bin_dir":          o.BinDir,
		"output.fingerprint_file": o.FingerprintFile,
	} {
		if !isLocalPath(value) {
			return invalid("path must be relative to the output dir", field, value)
		}
	}
	if o.SnapshotEvery() < 0 {
		return invalid("snapshot interval cannot be negative", "output.snapshot_interval", o.SnapshotEvery().String())
	}
	return nil
}

func (cv *configurationValidator) validateWatch() error {
	w := cv.config.Watch
	if w.Debounce <= 0 {
		return invalid("debounce must be positive", "watch.debounce", w.Debounce.String())
	}
	if w.MaxDelay < w.Debounce {
		return invalid("max delay must not be shorter than debounce", "watch.max_delay", w.MaxDelay.String())
	}
	for _, pattern := range w.Exclude {
		if !validGlob(pattern) {
			return invalid("invalid exclude pattern", "watch.exclude", pattern)
		}
	}
	return nil
}

func (cv *configurationValidator) validateSteps() error {
	steps := map[string]StepConfig{
		"frontend": cv.config.Steps.Frontend,
		"binary":   cv.config.Steps.Binary,
		"style":    cv.config.Steps.Style,
	}
	for name, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		field := "steps." + name
		if name != "style" && len(step.Commands) == 0 {
			return invalid("enabled step has no commands", field+".commands", "")
		}
		for i, argv := range step.Commands {
			if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
				return invalid("command argv cannot be empty", fmt.Sprintf("%s.commands[%d]", field, i), "")
			}
		}
		if len(step.Outputs) == 0 {
			return invalid("enabled step must declare outputs", field+".outputs", "")
		}
		for i, out := range step.Outputs {
			if out.From == "" || out.To == "" {
				return invalid("output mapping needs from and to", fmt.Sprintf("%s.outputs[%d]", field, i), "")
			}
		}
		if err := validatePredicate(field+".watch", step.Watch); err != nil {
			return err
		}
	}
	if cv.config.Steps.Assets.IsEnabled() {
		if err := validatePredicate("steps.assets.watch", cv.config.Steps.Assets.Watch); err != nil {
			return err
		}
	}
	return nil
}

func validatePredicate(field string, p WatchPredicate) error {
	for _, d := range p.Dirs {
		if filepath.IsAbs(d) {
			return invalid("watch dirs must be relative to the project root", field+".dirs", d)
		}
	}
	for _, pattern := range p.Patterns {
		if !validGlob(pattern) {
			return invalid("invalid watch pattern", field+".patterns", pattern)
		}
	}
	return nil
}

func (cv *configurationValidator) validateServe() error {
	if !cv.config.ServeEnabled() {
		return nil
	}
	s := cv.config.Serve
	if _, _, err := net.SplitHostPort(s.SiteAddr); err != nil {
		return invalid("site addr must be host:port", "serve.site_addr", s.SiteAddr)
	}
	if s.GracePeriod <= 0 {
		return invalid("grace period must be positive", "serve.grace_period", s.GracePeriod.String())
	}
	if s.PortWait() < 0 {
		return invalid("wait for port cannot be negative", "serve.wait_for_port", s.PortWait().String())
	}
	return nil
}

func (cv *configurationValidator) validateReload() error {
	if !cv.config.ReloadEnabled() {
		return nil
	}
	if _, _, err := net.SplitHostPort(cv.config.Reload.Addr); err != nil {
		return invalid("reload addr must be host:port", "reload.addr", cv.config.Reload.Addr)
	}
	if cv.config.ServeEnabled() && cv.config.Reload.Addr == cv.config.Serve.SiteAddr {
		return invalid("reload addr must differ from site addr", "reload.addr", cv.config.Reload.Addr)
	}
	return nil
}

// validGlob checks a gitignore style pattern. The matcher compares one path
// segment at a time, so every segment other than `**` must be a valid
// path.Match pattern.
func validGlob(pattern string) bool {
	p := strings.TrimPrefix(strings.TrimSpace(pattern), "!")
	p = strings.Trim(p, "/")
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return false
		}
	}
	return true
}

// isLocalPath reports whether p stays inside its base directory.
func isLocalPath(p string) bool {
	if p == "" {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(p))
}

func invalid(message, field, value string) error {
	return foundationerrors.ValidationError(message).
		WithContext("field", field).
		WithContext("value", value).
		Build()
}
