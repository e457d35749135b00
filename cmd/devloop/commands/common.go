// Package commands holds the devloop subcommands.
package commands

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/devloop/internal/config"
)

// Global is shared state handed to every subcommand.
type Global struct {
	Logger *slog.Logger
}

// CLI definition and global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"devloop.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Watch       WatchCmd   `cmd:"" default:"withargs" help:"Build, serve and reload on every change"`
	Init        InitCmd    `cmd:"" help:"Write an example configuration file"`
	VersionInfo VersionCmd `cmd:"" name:"version" help:"Print version information"`
}

// AfterApply sets up logging once flags are parsed.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig reads the configuration named by the global flag.
func loadConfig(root *CLI) (*config.Config, error) {
	return config.Load(root.Config)
}
