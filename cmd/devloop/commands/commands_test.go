package commands

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devloop/internal/config"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("devloop"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return cli, ctx
}

func TestWatchIsTheDefaultCommand(t *testing.T) {
	cli, ctx := parse(t, "--release", "--no-serve")
	require.Equal(t, "watch", ctx.Command())
	require.True(t, cli.Watch.Release)
	require.True(t, cli.Watch.NoServe)
	require.Equal(t, "devloop.yaml", filepath.Base(cli.Config))
}

func TestWatchFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{}
	(&WatchCmd{Release: true, NoServe: true, NoReload: true}).apply(cfg)
	require.True(t, cfg.Release)
	require.False(t, cfg.ServeEnabled())
	require.False(t, cfg.ReloadEnabled())

	untouched := &config.Config{}
	(&WatchCmd{}).apply(untouched)
	require.True(t, untouched.ServeEnabled())
	require.False(t, untouched.Release)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.yaml")
	var out bytes.Buffer
	require.NoError(t, RunInit(&out, path, "shop", false))
	require.Contains(t, out.String(), "initialized successfully")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "shop", cfg.Project.Name)

	err = RunInit(&out, path, "shop", false)
	require.Error(t, err)
	require.NoError(t, RunInit(&out, path, "shop", true))
}

func TestWatchWithoutConfigIsNotFound(t *testing.T) {
	cli, _ := parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "watch")
	err := cli.Watch.Run(&Global{}, cli)
	require.Error(t, err)

	classified, ok := foundationerrors.AsClassified(err)
	require.True(t, ok)
	require.Equal(t, foundationerrors.CategoryNotFound, classified.Category())
	require.Equal(t, 4, foundationerrors.NewCLIErrorAdapter(false, nil).ExitCodeFor(err))
}
