package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

// DefaultFileName is the configuration file looked up in the project root.
const DefaultFileName = "devloop.yaml"

// Config is the complete devloop configuration.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Output    OutputConfig    `yaml:"output"`
	Watch     WatchConfig     `yaml:"watch"`
	Steps     StepsConfig     `yaml:"steps"`
	Style     StyleConfig     `yaml:"style"`
	Assets    AssetsConfig    `yaml:"assets"`
	Serve     ServeConfig     `yaml:"serve"`
	Reload    ReloadConfig    `yaml:"reload"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	History   HistoryConfig   `yaml:"history"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Release selects the release build profile. Set from the command line.
	Release bool `yaml:"-"`
}

// ProjectConfig names the project and the packages it builds.
type ProjectConfig struct {
	Name       string `yaml:"name"`
	Root       string `yaml:"root,omitempty"`
	LibPackage string `yaml:"lib_package,omitempty"`
	BinPackage string `yaml:"bin_package,omitempty"`
}

// OutputConfig describes the output tree owned by the output store.
type OutputConfig struct {
	Dir              string         `yaml:"dir,omitempty"`
	SiteDir          string         `yaml:"site_dir,omitempty"`
	PkgDir           string         `yaml:"pkg_dir,omitempty"`
	BinDir           string         `yaml:"bin_dir,omitempty"`
	FingerprintFile  string         `yaml:"fingerprint_file,omitempty"`
	SnapshotInterval *time.Duration `yaml:"snapshot_interval,omitempty"`
}

// WatchConfig controls the change feed and the router's coalescing window.
type WatchConfig struct {
	Debounce         time.Duration `yaml:"debounce,omitempty"`
	MaxDelay         time.Duration `yaml:"max_delay,omitempty"`
	Exclude          []string      `yaml:"exclude,omitempty"`
	RespectGitignore *bool         `yaml:"respect_gitignore,omitempty"`
}

// StepsConfig holds one entry per build step kind.
type StepsConfig struct {
	Frontend StepConfig `yaml:"frontend"`
	Binary   StepConfig `yaml:"binary"`
	Style    StepConfig `yaml:"style"`
	Assets   StepConfig `yaml:"assets"`
}

// StepConfig configures one build step.
type StepConfig struct {
	Enabled  *bool             `yaml:"enabled,omitempty"`
	Commands [][]string        `yaml:"commands,omitempty"`
	Outputs  []OutputMapping   `yaml:"outputs,omitempty"`
	Watch    WatchPredicate    `yaml:"watch,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
}

// IsEnabled reports whether the step takes part in cycles.
func (s StepConfig) IsEnabled() bool {
	return s.Enabled != nil && *s.Enabled
}

// OutputMapping copies a file produced by a step command into the output tree.
// From is resolved against the project root, To against the output dir.
type OutputMapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// WatchPredicate selects the source paths that trigger a step.
type WatchPredicate struct {
	Dirs       []string `yaml:"dirs,omitempty"`
	Extensions []string `yaml:"extensions,omitempty"`
	Files      []string `yaml:"files,omitempty"`
	Patterns   []string `yaml:"patterns,omitempty"`
}

// IsEmpty reports whether the predicate has no clauses.
func (p WatchPredicate) IsEmpty() bool {
	return len(p.Dirs) == 0 && len(p.Extensions) == 0 && len(p.Files) == 0 && len(p.Patterns) == 0
}

// StyleConfig names the stylesheet entry point.
type StyleConfig struct {
	Source string `yaml:"source,omitempty"`
}

// AssetsConfig names the static asset directory mirrored into the site root.
type AssetsConfig struct {
	Dir      string   `yaml:"dir,omitempty"`
	Reserved []string `yaml:"reserved,omitempty"`
}

// SnapshotEvery is the fingerprint snapshot period. Zero disables snapshots.
func (o OutputConfig) SnapshotEvery() time.Duration { return durationOr(o.SnapshotInterval, 0) }

// ServeConfig controls the served process.
type ServeConfig struct {
	Enabled      *bool             `yaml:"enabled,omitempty"`
	Binary       string            `yaml:"binary,omitempty"`
	SiteAddr     string            `yaml:"site_addr,omitempty"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	GracePeriod  time.Duration     `yaml:"grace_period,omitempty"`
	StartupProbe time.Duration     `yaml:"startup_probe,omitempty"`
	WaitForPort  *time.Duration    `yaml:"wait_for_port,omitempty"`
}

// PortWait bounds the wait for SiteAddr after a start. Zero disables it.
func (s ServeConfig) PortWait() time.Duration { return durationOr(s.WaitForPort, 0) }

// ReloadConfig controls the live reload server.
type ReloadConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty"`
}

// SchedulerConfig tunes cycle handling.
type SchedulerConfig struct {
	// CancelSuperseded cancels the running commands of a cycle once a newer
	// cycle starts. When false, superseded cycles run to completion and their
	// results are discarded.
	CancelSuperseded bool `yaml:"cancel_superseded,omitempty"`
}

// HistoryConfig controls the cycle history database. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path,omitempty"`
}

// NotifyConfig controls NATS event fan-out. An empty URL disables it.
type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint on the reload server.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Load reads the configuration file, applies defaults and validates the result.
// Environment files next to the configuration are loaded first and ${VAR}
// references in the file are expanded against the process environment.
func Load(configPath string) (*Config, error) {
	if _, err := loadEnvFiles(filepath.Dir(configPath)); err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to load environment file").
			WithPath(configPath).
			Build()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, foundationerrors.NewError(foundationerrors.CategoryNotFound, "configuration file not found").
				WithPath(configPath).
				UserAction().
				Build()
		}
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to read config file").Build()
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.Project.Root == "" || !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Join(filepath.Dir(configPath), cfg.Project.Root)
	}
	if abs, absErr := filepath.Abs(cfg.Project.Root); absErr == nil {
		cfg.Project.Root = abs
	}

	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes after environment expansion. Placeholder
// names are left in place for the step runner. It does not apply defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandBraced(string(data), func(name string) string {
		if isPlaceholder(name) {
			return "${" + name + "}"
		}
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to unmarshal config").Build()
	}
	return &cfg, nil
}

// Init writes an example configuration to configPath.
func Init(configPath, projectName string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return foundationerrors.ConfigError("configuration file already exists (use --force to overwrite)").
			WithPath(configPath).
			Build()
	}

	if projectName == "" {
		projectName = "app"
	}
	example := Config{
		Project: ProjectConfig{Name: projectName},
		Style:   StyleConfig{Source: "style/main.scss"},
		Assets:  AssetsConfig{Dir: "public"},
		Serve:   ServeConfig{SiteAddr: defaultSiteAddr},
		Reload:  ReloadConfig{Addr: defaultReloadAddr},
		Watch:   WatchConfig{Debounce: defaultDebounce, Exclude: []string{"*.log"}},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to write config file").
			WithPath(configPath).
			Build()
	}
	return nil
}

// OutputRoot is the absolute output directory.
func (c *Config) OutputRoot() string {
	if filepath.IsAbs(c.Output.Dir) {
		return c.Output.Dir
	}
	return filepath.Join(c.Project.Root, c.Output.Dir)
}

// SiteRoot is the absolute served site directory.
func (c *Config) SiteRoot() string {
	return filepath.Join(c.OutputRoot(), c.Output.SiteDir)
}

// ReloadPort is the port part of the reload address.
func (c *Config) ReloadPort() string {
	_, port, err := net.SplitHostPort(c.Reload.Addr)
	if err != nil {
		return ""
	}
	return port
}

// ServeEnabled reports whether a served process is supervised.
func (c *Config) ServeEnabled() bool { return boolOr(c.Serve.Enabled, true) }

// ReloadEnabled reports whether the live reload server runs.
func (c *Config) ReloadEnabled() bool { return boolOr(c.Reload.Enabled, true) }

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool { return boolOr(c.Metrics.Enabled, true) }

// GitignoreEnabled reports whether .gitignore files filter the change feed.
func (c *Config) GitignoreEnabled() bool { return boolOr(c.Watch.RespectGitignore, true) }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func boolPtr(v bool) *bool { return &v }

func durationOr(p *time.Duration, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	return *p
}

func durationPtr(d time.Duration) *time.Duration { return &d }
