package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/devloop/internal/config"
	"git.home.luguber.info/inful/devloop/internal/daemon"
)

// WatchCmd implements the 'watch' command.
type WatchCmd struct {
	Release  bool `help:"Build with the release profile"`
	NoServe  bool `name:"no-serve" help:"Do not run the server binary"`
	NoReload bool `name:"no-reload" help:"Do not start the live reload server"`
}

func (w *WatchCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	w.apply(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("Starting watch session", "config", root.Config, "release", cfg.Release)
	return daemon.Run(ctx, cfg, daemon.Options{})
}

// apply folds the command line overrides into cfg.
func (w *WatchCmd) apply(cfg *config.Config) {
	if w.Release {
		cfg.Release = true
	}
	off := false
	if w.NoServe {
		cfg.Serve.Enabled = &off
	}
	if w.NoReload {
		cfg.Reload.Enabled = &off
	}
}
