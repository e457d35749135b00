package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultOutputDir        = "target/devloop"
	defaultSiteDir          = "site"
	defaultPkgDir           = "pkg"
	defaultBinDir           = "bin"
	defaultFingerprintFile  = ".fingerprints.json"
	defaultSnapshotInterval = 30 * time.Second
	defaultDebounce         = 50 * time.Millisecond
	defaultSiteAddr         = "127.0.0.1:3000"
	defaultReloadAddr       = "127.0.0.1:3001"
	defaultGracePeriod      = 3 * time.Second
	defaultStartupProbe     = 300 * time.Millisecond
	defaultWaitForPort      = 10 * time.Second
	defaultStyleSource      = "style/main.scss"
	defaultAssetsDir        = "public"
	defaultSubjectPrefix    = "devloop.events"
)

// DefaultApplier applies defaults for one configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// ApplyDefaults runs every domain applier in dependency order.
func ApplyDefaults(cfg *Config) error {
	appliers := []DefaultApplier{
		&projectDefaults{},
		&outputDefaults{},
		&watchDefaults{},
		&stepDefaults{},
		&serveDefaults{},
		&reloadDefaults{},
		&notifyDefaults{},
	}
	for _, a := range appliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

type projectDefaults struct{}

func (projectDefaults) Domain() string { return "project" }

func (projectDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Project.Root == "" {
		cfg.Project.Root = "."
	}
	if cfg.Project.Name == "" {
		abs, err := filepath.Abs(cfg.Project.Root)
		if err != nil {
			return err
		}
		cfg.Project.Name = filepath.Base(abs)
	}
	if cfg.Project.LibPackage == "" {
		cfg.Project.LibPackage = cfg.Project.Name
	}
	if cfg.Project.BinPackage == "" {
		cfg.Project.BinPackage = cfg.Project.Name
	}
	return nil
}

type outputDefaults struct{}

func (outputDefaults) Domain() string { return "output" }

func (outputDefaults) ApplyDefaults(cfg *Config) error {
	o := &cfg.Output
	if o.Dir == "" {
		o.Dir = defaultOutputDir
	}
	if o.SiteDir == "" {
		o.SiteDir = defaultSiteDir
	}
	if o.PkgDir == "" {
		o.PkgDir = defaultPkgDir
	}
	if o.BinDir == "" {
		o.BinDir = defaultBinDir
	}
	if o.FingerprintFile == "" {
		o.FingerprintFile = defaultFingerprintFile
	}
	if o.SnapshotInterval == nil {
		o.SnapshotInterval = durationPtr(defaultSnapshotInterval)
	}
	return nil
}

type watchDefaults struct{}

func (watchDefaults) Domain() string { return "watch" }

func (watchDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = defaultDebounce
	}
	if cfg.Watch.MaxDelay <= 0 {
		cfg.Watch.MaxDelay = 10 * cfg.Watch.Debounce
	}
	if cfg.Watch.RespectGitignore == nil {
		cfg.Watch.RespectGitignore = boolPtr(true)
	}
	return nil
}

// stepDefaults fills in the cargo, wasm-bindgen and sass toolchain for steps that do not
// declare their own commands. Style and assets are enabled by default only when
// their sources exist.
type stepDefaults struct{}

func (stepDefaults) Domain() string { return "steps" }

func (stepDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Style.Source == "" {
		cfg.Style.Source = defaultStyleSource
	}
	if cfg.Assets.Dir == "" {
		cfg.Assets.Dir = defaultAssetsDir
	}
	if cfg.Assets.Reserved == nil {
		cfg.Assets.Reserved = []string{"index.html", "pkg"}
	}

	pkg := "${" + VarSiteDir + "}/${" + VarPkgDir + "}/${" + VarOutputName + "}"

	front := &cfg.Steps.Frontend
	if front.Enabled == nil {
		front.Enabled = boolPtr(true)
	}
	if len(front.Commands) == 0 {
		front.Commands = [][]string{
			{"cargo", "build", "--package=${" + VarLibPackage + "}", "--lib", "--target-dir=target/front",
				"--target=wasm32-unknown-unknown", "--profile=${" + VarProfile + "}"},
			{"wasm-bindgen", "--target", "web", "--no-typescript", "--out-dir", "${" + VarStaging + "}",
				"--out-name", "${" + VarOutputName + "}",
				"target/front/wasm32-unknown-unknown/${" + VarProfileDir + "}/${" + VarLibCrate + "}.wasm"},
		}
		front.Outputs = []OutputMapping{
			{From: "${" + VarStaging + "}/${" + VarOutputName + "}_bg.wasm", To: pkg + "_bg.wasm"},
			{From: "${" + VarStaging + "}/${" + VarOutputName + "}.js", To: pkg + ".js"},
		}
	}
	if front.Watch.IsEmpty() {
		front.Watch = WatchPredicate{Dirs: []string{"src"}, Extensions: []string{"rs"}, Files: []string{"Cargo.toml"}}
	}

	bin := &cfg.Steps.Binary
	if bin.Enabled == nil {
		bin.Enabled = boolPtr(true)
	}
	if len(bin.Commands) == 0 {
		bin.Commands = [][]string{
			{"cargo", "build", "--package=${" + VarBinPackage + "}", "--bin=${" + VarBinPackage + "}",
				"--no-default-features", "--features=ssr", "--target-dir=target/server",
				"--profile=${" + VarProfile + "}"},
		}
		bin.Outputs = []OutputMapping{{
			From: "target/server/${" + VarProfileDir + "}/${" + VarBinPackage + "}${" + VarExe + "}",
			To:   "${" + VarBinDir + "}/${" + VarBinPackage + "}${" + VarExe + "}",
		}}
	}
	if bin.Watch.IsEmpty() {
		bin.Watch = WatchPredicate{Dirs: []string{"src"}, Extensions: []string{"rs"}, Files: []string{"Cargo.toml"}}
	}

	style := &cfg.Steps.Style
	if style.Enabled == nil {
		style.Enabled = boolPtr(exists(cfg.Project.Root, cfg.Style.Source))
	}
	if len(style.Commands) == 0 && len(style.Outputs) == 0 {
		if strings.EqualFold(filepath.Ext(cfg.Style.Source), ".css") {
			// Plain CSS is copied as is.
			style.Outputs = []OutputMapping{{From: "${" + VarStyleSource + "}", To: pkg + ".css"}}
		} else {
			style.Commands = [][]string{
				{"sass", "--no-source-map", "${" + VarStyleSource + "}", "${" + VarStaging + "}/${" + VarOutputName + "}.css"},
			}
			style.Outputs = []OutputMapping{{From: "${" + VarStaging + "}/${" + VarOutputName + "}.css", To: pkg + ".css"}}
		}
	}
	if style.Watch.IsEmpty() {
		style.Watch = WatchPredicate{
			Dirs:       []string{filepath.ToSlash(filepath.Dir(cfg.Style.Source))},
			Extensions: []string{"scss", "sass", "css"},
		}
	}

	assets := &cfg.Steps.Assets
	if assets.Enabled == nil {
		assets.Enabled = boolPtr(exists(cfg.Project.Root, cfg.Assets.Dir))
	}
	if assets.Watch.IsEmpty() {
		assets.Watch = WatchPredicate{Dirs: []string{filepath.ToSlash(cfg.Assets.Dir)}}
	}
	return nil
}

type serveDefaults struct{}

func (serveDefaults) Domain() string { return "serve" }

func (serveDefaults) ApplyDefaults(cfg *Config) error {
	s := &cfg.Serve
	if s.Binary == "" {
		s.Binary = "${" + VarBinDir + "}/${" + VarBinPackage + "}${" + VarExe + "}"
	}
	if s.SiteAddr == "" {
		s.SiteAddr = defaultSiteAddr
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = defaultGracePeriod
	}
	if s.StartupProbe <= 0 {
		s.StartupProbe = defaultStartupProbe
	}
	if s.WaitForPort == nil {
		s.WaitForPort = durationPtr(defaultWaitForPort)
	}
	return nil
}

type reloadDefaults struct{}

func (reloadDefaults) Domain() string { return "reload" }

func (reloadDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Reload.Addr == "" {
		cfg.Reload.Addr = defaultReloadAddr
	}
	return nil
}

type notifyDefaults struct{}

func (notifyDefaults) Domain() string { return "notify" }

func (notifyDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = defaultSubjectPrefix
	}
	return nil
}

func exists(root, rel string) bool {
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, rel)
	}
	_, err := os.Stat(p)
	return err == nil
}
