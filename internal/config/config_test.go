package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "project:\n  name: my-app\n")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	require.Equal(t, "my-app", cfg.Project.Name)
	require.Equal(t, "my-app", cfg.Project.BinPackage)
	require.Equal(t, filepath.Join(dir, "target", "devloop"), cfg.OutputRoot())
	require.Equal(t, filepath.Join(dir, "target", "devloop", "site"), cfg.SiteRoot())
	require.Equal(t, 50*time.Millisecond, cfg.Watch.Debounce)
	require.Equal(t, 500*time.Millisecond, cfg.Watch.MaxDelay)
	require.Equal(t, "127.0.0.1:3000", cfg.Serve.SiteAddr)
	require.Equal(t, "3001", cfg.ReloadPort())
	require.True(t, cfg.Steps.Frontend.IsEnabled())
	require.True(t, cfg.Steps.Binary.IsEnabled())
	require.False(t, cfg.Steps.Style.IsEnabled(), "style source does not exist")
	require.False(t, cfg.Steps.Assets.IsEnabled(), "assets dir does not exist")
	require.NotEmpty(t, cfg.Steps.Binary.Outputs)
	require.True(t, cfg.ServeEnabled())
	require.True(t, cfg.GitignoreEnabled())
}

func TestLoadEnablesStyleAndAssetsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "style"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style", "main.scss"), []byte("body{}"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "public"), 0o750))

	cfg, err := Load(writeConfig(t, dir, "project:\n  name: app\n"))
	require.NoError(t, err)
	require.True(t, cfg.Steps.Style.IsEnabled())
	require.True(t, cfg.Steps.Assets.IsEnabled())
	require.Equal(t, []string{"style"}, cfg.Steps.Style.Watch.Dirs)
	require.Len(t, cfg.Steps.Style.Commands, 1)
}

func TestLoadPlainCSSNeedsNoCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.css"), []byte("body{}"), 0o600))

	cfg, err := Load(writeConfig(t, dir, "project:\n  name: app\nstyle:\n  source: main.css\n"))
	require.NoError(t, err)
	require.True(t, cfg.Steps.Style.IsEnabled())
	require.Empty(t, cfg.Steps.Style.Commands)
	require.Equal(t, []OutputMapping{{From: "${STYLE_SOURCE}", To: "${SITE_DIR}/${PKG_DIR}/${OUTPUT_NAME}.css"}}, cfg.Steps.Style.Outputs)
}

func TestLoadExpandsEnvButKeepsPlaceholders(t *testing.T) {
	t.Setenv("DEVLOOP_TEST_ADDR", "0.0.0.0:8080")
	dir := t.TempDir()
	body := `project:
  name: app
serve:
  site_addr: ${DEVLOOP_TEST_ADDR}
steps:
  binary:
    commands:
      - ["go", "build", "-o", "${STAGING}/server", "."]
    outputs:
      - from: ${STAGING}/server
        to: ${BIN_DIR}/server
`
	cfg, err := Load(writeConfig(t, dir, body))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.Serve.SiteAddr)
	require.Equal(t, []string{"go", "build", "-o", "${STAGING}/server", "."}, cfg.Steps.Binary.Commands[0])
	require.Equal(t, "${BIN_DIR}/server", cfg.Steps.Binary.Outputs[0].To)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	t.Setenv("DEVLOOP_TEST_NAME", "from-env")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DEVLOOP_TEST_NAME=from-file\nDEVLOOP_TEST_ONLY_FILE=site-x\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("DEVLOOP_TEST_ONLY_FILE") })

	cfg, err := Load(writeConfig(t, dir, "project:\n  name: ${DEVLOOP_TEST_NAME}\noutput:\n  site_dir: ${DEVLOOP_TEST_ONLY_FILE}\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Project.Name)
	require.Equal(t, "site-x", cfg.Output.SiteDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryNotFound))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"escaping site dir":  "project:\n  name: app\noutput:\n  site_dir: ../elsewhere\n",
		"bad site addr":      "project:\n  name: app\nserve:\n  site_addr: nope\n",
		"same addrs":         "project:\n  name: app\nserve:\n  site_addr: 127.0.0.1:3001\n",
		"output is root":     "project:\n  name: app\noutput:\n  dir: .\n",
		"commands no output": "project:\n  name: app\nsteps:\n  binary:\n    commands: [[\"make\"]]\n",
		"empty argv":         "project:\n  name: app\nsteps:\n  binary:\n    commands: [[]]\n    outputs: [{from: a, to: b}]\n",
		"bad pattern":        "project:\n  name: app\nwatch:\n  exclude: [\"[\"]\n",
		"bad step pattern":   "project:\n  name: app\nsteps:\n  style:\n    enabled: true\n    watch:\n      patterns: [\"style/**/[.scss\"]\n",
		"empty step pattern": "project:\n  name: app\nsteps:\n  style:\n    enabled: true\n    watch:\n      patterns: [\"!\"]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), body))
			require.Error(t, err)
			require.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryValidation), "got %v", err)
		})
	}
}

func TestVarsAndExpand(t *testing.T) {
	cfg := &Config{Project: ProjectConfig{Name: "my-app", Root: "/src/app"}}
	require.NoError(t, ApplyDefaults(cfg))

	vars := cfg.Vars()
	require.Equal(t, "my_app", vars[VarLibCrate])
	require.Equal(t, "dev", vars[VarProfile])
	require.Equal(t, "debug", vars[VarProfileDir])

	cfg.Release = true
	vars = cfg.Vars()
	require.Equal(t, "release", vars[VarProfileDir])

	got := ExpandWith("${SITE_DIR}/${PKG_DIR}/${OUTPUT_NAME}.css", vars, nil)
	require.Equal(t, "site/pkg/my-app.css", got)

	got = ExpandWith("${STAGING}/x", vars, map[string]string{VarStaging: "/tmp/s"})
	require.Equal(t, "/tmp/s/x", got)
}

func TestInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, DefaultFileName)
	require.NoError(t, Init(p, "demo", false))

	err := Init(p, "demo", false)
	require.Error(t, err)
	require.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))

	require.NoError(t, Init(p, "demo", true))

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.Project.Name)
	require.Equal(t, []string{"*.log"}, cfg.Watch.Exclude)
}

func TestZeroDurationsDisableSnapshotsAndPortWait(t *testing.T) {
	cfg, err := Parse([]byte("output:\n  snapshot_interval: 0s\nserve:\n  wait_for_port: 0s\n"))
	require.NoError(t, err)
	cfg.Project.Root = t.TempDir()
	require.NoError(t, ApplyDefaults(cfg))
	require.NoError(t, Validate(cfg))
	require.Equal(t, time.Duration(0), cfg.Output.SnapshotEvery())
	require.Equal(t, time.Duration(0), cfg.Serve.PortWait())

	defaults, err := Parse([]byte("project:\n  name: app\n"))
	require.NoError(t, err)
	defaults.Project.Root = t.TempDir()
	require.NoError(t, ApplyDefaults(defaults))
	require.Equal(t, 30*time.Second, defaults.Output.SnapshotEvery())
	require.Equal(t, 10*time.Second, defaults.Serve.PortWait())
}

func TestValidateRejectsNegativeSnapshotInterval(t *testing.T) {
	cfg, err := Parse([]byte("output:\n  snapshot_interval: -1s\n"))
	require.NoError(t, err)
	cfg.Project.Root = t.TempDir()
	require.NoError(t, ApplyDefaults(cfg))
	require.Error(t, Validate(cfg))
}

func TestValidateAcceptsDoubleStarPatterns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "style"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style", "main.scss"), []byte("a{}"), 0o600))
	body := "project:\n  name: app\nsteps:\n  style:\n    watch:\n      patterns: [\"style/**/*.scss\"]\nwatch:\n  exclude: [\"**/node_modules/\"]\n"

	cfg, err := Load(writeConfig(t, dir, body))
	require.NoError(t, err)
	require.Equal(t, []string{"style/**/*.scss"}, cfg.Steps.Style.Watch.Patterns)
}
