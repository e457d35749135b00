// Package daemon runs a watch session: it wires the change feed, the cycle
// scheduler, the output store, the served process and the reload server
// together and tears them down in order.
package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/config"
	"git.home.luguber.info/inful/devloop/internal/events"
	"git.home.luguber.info/inful/devloop/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/livereload"
	"git.home.luguber.info/inful/devloop/internal/logfields"
	"git.home.luguber.info/inful/devloop/internal/metrics"
	"git.home.luguber.info/inful/devloop/internal/notify"
	"git.home.luguber.info/inful/devloop/internal/scheduler"
	"git.home.luguber.info/inful/devloop/internal/storage"
	"git.home.luguber.info/inful/devloop/internal/supervisor"
	"git.home.luguber.info/inful/devloop/internal/watch"
)

// shutdownTimeout bounds the graceful stop of the reload server.
const shutdownTimeout = 5 * time.Second

// Options carries what the command line hands to a session.
type Options struct {
	// Stdout and Stderr receive tool and served process output. Nil means
	// the process streams.
	Stdout io.Writer
	Stderr io.Writer
	// Steps overrides the steps built from configuration.
	Steps map[build.StepKind]build.Step
	// Registry receives the session metrics. Nil creates one.
	Registry *prom.Registry
}

// Daemon is one watch session.
type Daemon struct {
	cfg       *config.Config
	session   string
	startedAt time.Time

	bus      *events.Bus
	registry *prom.Registry
	recorder metrics.Recorder
	store    *storage.OutputStore
	sched    *scheduler.Scheduler
	proc     *supervisor.Supervisor
	hub      *livereload.Hub
	server   *HTTPServer
	filter   *watch.Filter
	router   *watch.Router
	snaps    *snapshotter
	history  eventstore.Store
	notifier *notify.Notifier
	sinks    sinkGroup
}

// Run starts a session for cfg and blocks until ctx is done or the session
// fails.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	d, err := New(cfg, opts)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// New builds every component of a session without starting any of them.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	d := &Daemon{
		cfg:       cfg,
		session:   uuid.NewString(),
		startedAt: time.Now(),
		bus:       events.NewBus(),
		recorder:  metrics.NoopRecorder{},
	}
	if cfg.MetricsEnabled() {
		d.registry = opts.Registry
		if d.registry == nil {
			d.registry = prom.NewRegistry()
		}
		d.recorder = metrics.NewPrometheusRecorder(d.registry)
	}

	layout := layoutFor(cfg)
	store, err := storage.NewOutputStore(layout)
	if err != nil {
		return nil, err
	}
	d.store = store

	d.filter, err = watch.NewFilter(cfg.Project.Root, watch.FilterOptions{
		OutputDir: cfg.OutputRoot(),
		BuildDirs: []string{filepath.Join(cfg.Project.Root, "target")},
		Exclude:   cfg.Watch.Exclude,
		Gitignore: cfg.GitignoreEnabled(),
	})
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to read ignore patterns").
			WithContext("root", cfg.Project.Root).
			Build()
	}
	d.router, err = watch.NewRouter(watch.NewClassifier(cfg), watch.RouterConfig{
		QuietWindow: cfg.Watch.Debounce,
		MaxDelay:    cfg.Watch.MaxDelay,
	})
	if err != nil {
		return nil, err
	}

	steps := opts.Steps
	if steps == nil {
		steps = build.NewSteps(cfg, build.Options{Output: opts.Stderr, SkipAsset: d.assetSkipper()})
	}

	if cfg.ServeEnabled() {
		d.proc = supervisor.New(supervisor.ConfigFrom(cfg, opts.Stdout, opts.Stderr), d.recorder)
	}
	if cfg.ReloadEnabled() {
		d.hub = livereload.NewHub(cssHref(cfg), d.recorder)
	}

	schedOpts := scheduler.Options{
		Steps:            steps,
		Store:            store,
		Layout:           layout,
		Bus:              d.bus,
		Recorder:         d.recorder,
		Session:          d.session,
		CancelSuperseded: cfg.Scheduler.CancelSuperseded,
	}
	// Typed nils would make the optional collaborators look present.
	if d.proc != nil {
		schedOpts.Process = d.proc
	}
	if d.hub != nil {
		schedOpts.Reload = d.hub
	}
	d.sched, err = scheduler.New(schedOpts)
	if err != nil {
		return nil, err
	}

	if cfg.History.Path != "" {
		historyPath := cfg.History.Path
		if historyPath != ":memory:" && !filepath.IsAbs(historyPath) {
			historyPath = filepath.Join(cfg.Project.Root, historyPath)
		}
		h, err := eventstore.NewSQLiteStore(historyPath)
		if err != nil {
			return nil, err
		}
		d.history = h
	}

	if cfg.ReloadEnabled() {
		deps := serverDeps{
			Addr:      cfg.Reload.Addr,
			Session:   d.session,
			StartedAt: d.startedAt,
			Scheduler: d.sched,
			Hub:       d.hub,
			History:   d.history,
		}
		if d.proc != nil {
			deps.Process = d.proc
		}
		if d.registry != nil {
			deps.Metrics = metrics.HTTPHandler(d.registry)
		}
		d.server = newHTTPServer(deps)
	}

	if every := cfg.Output.SnapshotEvery(); every > 0 {
		d.snaps, err = newSnapshotter(store, every)
		if err != nil {
			d.closeHistory()
			return nil, err
		}
	}
	return d, nil
}

// Session is the session id.
func (d *Daemon) Session() string { return d.session }

// Scheduler exposes the cycle scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// Bus is the session event bus.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// ReloadAddr is the bound reload server address, empty when disabled or
// not yet started.
func (d *Daemon) ReloadAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Run starts the session, fires the initial full cycle and routes changes
// until ctx is done or the change feed fails.
func (d *Daemon) Run(ctx context.Context) error {
	log := slog.With(logfields.Session(d.session))

	if d.notifier == nil && d.cfg.Notify.NATSURL != "" {
		n, err := notify.Connect(d.cfg.Notify.NATSURL, d.cfg.Notify.SubjectPrefix)
		if err != nil {
			// External fan-out is best effort.
			log.Warn("NATS notifier disabled", logfields.Error(err))
		} else {
			d.notifier = n
		}
	}
	sinks := []sink{logSink()}
	if d.history != nil {
		sinks = append(sinks, historySink(d.history))
	}
	if d.notifier != nil {
		sinks = append(sinks, notifySink(d.notifier))
	}
	d.sinks.start(ctx, d.bus, sinks...)

	watcher, err := watch.NewWatcher(d.cfg.Project.Root, d.filter)
	if err != nil {
		d.closeSinks()
		return err
	}

	if d.server != nil {
		if err := d.server.Start(ctx); err != nil {
			_ = watcher.Close()
			d.closeSinks()
			return err
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, 1)
	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := d.sched.Run(sessionCtx); err != nil {
			report(err)
		}
	}()

	triggers := make(chan watch.Trigger, 8)
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := watcher.Run(sessionCtx); err != nil {
			report(err)
		}
	}()
	go func() {
		defer wg.Done()
		defer close(triggers)
		_ = d.router.Run(sessionCtx, watcher.Events(), triggers)
	}()
	go func() {
		defer wg.Done()
		for t := range triggers {
			if err := d.sched.Submit(sessionCtx, scheduler.Trigger{Steps: t.Steps, Paths: t.Paths}); err != nil {
				log.Debug("Trigger dropped", logfields.Error(err))
			}
		}
	}()

	if d.snaps != nil {
		d.snaps.start()
	}

	log.Info("Watch session started",
		logfields.Steps(d.sched.Enabled().String()),
		logfields.Path(d.cfg.Project.Root),
		slog.String("output", d.cfg.OutputRoot()),
		slog.String("reload_addr", d.ReloadAddr()))

	var runErr error
	if err := d.sched.Rebuild(sessionCtx, events.ReasonInitial); err != nil {
		runErr = err
	} else {
		select {
		case <-ctx.Done():
		case runErr = <-fatal:
			log.Error("Watch session failed", logfields.Error(runErr))
		}
	}

	d.shutdown(cancel, &wg, schedDone)
	return runErr
}

// shutdown stops the change feed first so no new trigger arrives, then the
// scheduler, the served process and the reload clients, and finally writes
// the fingerprint table and drains the sinks.
func (d *Daemon) shutdown(cancel context.CancelFunc, feed *sync.WaitGroup, schedDone <-chan struct{}) {
	cancel()
	feed.Wait()
	<-schedDone

	if d.snaps != nil {
		d.snaps.stop()
	}
	if d.proc != nil {
		d.proc.Stop()
	}
	if d.hub != nil {
		d.hub.Shutdown()
	}
	if d.server != nil {
		ctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.server.Stop(ctx); err != nil {
			slog.Warn("Reload server did not stop cleanly", logfields.Error(err))
		}
		stop()
	}
	if err := d.store.SaveFingerprints(); err != nil {
		slog.Warn("Final fingerprint snapshot failed", logfields.Error(err))
	}
	stats := d.store.Stats()
	slog.Info("Watch session stopped",
		logfields.Session(d.session),
		logfields.Cycle(d.sched.Current()),
		slog.Int64("writes", stats.Writes),
		slog.Int64("removes", stats.Removes))
	d.closeSinks()
}

func (d *Daemon) closeSinks() {
	d.bus.Close()
	d.sinks.wait()
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			slog.Warn("NATS notifier close failed", logfields.Error(err))
		}
	}
	d.closeHistory()
}

func (d *Daemon) closeHistory() {
	if d.history == nil {
		return
	}
	if err := d.history.Close(); err != nil {
		slog.Warn("History close failed", logfields.Error(err))
	}
}

// assetSkipper applies the change feed filter to asset paths, which the
// assets step reports relative to the assets root.
func (d *Daemon) assetSkipper() func(rel string, isDir bool) bool {
	assetsDir := d.cfg.Assets.Dir
	if filepath.IsAbs(assetsDir) {
		if rel, err := filepath.Rel(d.cfg.Project.Root, assetsDir); err == nil && filepath.IsLocal(rel) {
			assetsDir = rel
		} else {
			return nil
		}
	}
	prefix := filepath.ToSlash(filepath.Clean(assetsDir))
	return func(rel string, isDir bool) bool {
		return d.filter.Ignored(path.Join(prefix, rel), isDir)
	}
}

func layoutFor(cfg *config.Config) storage.Layout {
	return storage.Layout{
		Root:            cfg.OutputRoot(),
		SiteDir:         cfg.Output.SiteDir,
		PkgDir:          cfg.Output.PkgDir,
		BinDir:          cfg.Output.BinDir,
		FingerprintFile: cfg.Output.FingerprintFile,
	}
}

// cssHref is the site path browsers load the stylesheet from.
func cssHref(cfg *config.Config) string {
	return path.Join("/", cfg.Output.PkgDir, cfg.Project.Name+".css")
}
