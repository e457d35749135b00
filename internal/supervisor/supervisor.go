// Package supervisor owns the served server process of a watch session.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/config"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
	"git.home.luguber.info/inful/devloop/internal/metrics"
)

// outputTail bounds the process output kept for startup failures.
const outputTail = 4 << 10

// Config describes how the served process is started.
type Config struct {
	// Binary is the absolute path of the executable.
	Binary string
	Args   []string
	Dir    string
	// Env is appended to the inherited environment.
	Env []string
	// SiteAddr is polled after a start when WaitForPort is positive.
	SiteAddr     string
	GracePeriod  time.Duration
	StartupProbe time.Duration
	WaitForPort  time.Duration
	// Stdout and Stderr receive the process output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// ConfigFrom derives the supervisor configuration of a watch session. The
// process sees the output layout through the LEPTOS_* environment contract.
func ConfigFrom(cfg *config.Config, stdout, stderr io.Writer) Config {
	vars := cfg.Vars()
	binary := config.Expand(cfg.Serve.Binary, vars)
	if !filepath.IsAbs(binary) {
		binary = filepath.Join(cfg.OutputRoot(), filepath.FromSlash(binary))
	}
	args := make([]string, len(cfg.Serve.Args))
	for i, a := range cfg.Serve.Args {
		args[i] = config.Expand(a, vars)
	}

	env := []string{
		"LEPTOS_OUTPUT_NAME=" + cfg.Project.Name,
		"LEPTOS_SITE_ROOT=" + cfg.SiteRoot(),
		"LEPTOS_SITE_PKG_DIR=" + cfg.Output.PkgDir,
		"LEPTOS_SITE_ADDR=" + cfg.Serve.SiteAddr,
		"LEPTOS_RELOAD_PORT=" + cfg.ReloadPort(),
		"LEPTOS_WATCH=ON",
	}
	for k, v := range cfg.Serve.Env {
		env = append(env, k+"="+config.Expand(v, vars))
	}

	return Config{
		Binary:       binary,
		Args:         args,
		Dir:          cfg.Project.Root,
		Env:          env,
		SiteAddr:     cfg.Serve.SiteAddr,
		GracePeriod:  cfg.Serve.GracePeriod,
		StartupProbe: cfg.Serve.StartupProbe,
		WaitForPort:  cfg.Serve.PortWait(),
		Stdout:       stdout,
		Stderr:       stderr,
	}
}

// Outcome reports what Sync did.
type Outcome struct {
	// Started is true when a new process is running.
	Started bool
	// First is true for the first start of the session.
	First  bool
	PID    int
	Binary string
}

// Supervisor runs at most one instance of the served binary.
type Supervisor struct {
	cfg      Config
	recorder metrics.Recorder

	mu     sync.Mutex
	proc   *process
	synced bool
	starts int
}

type process struct {
	cmd  *exec.Cmd
	tail *build.TailBuffer
	done chan struct{}
	err  error
}

// New returns a supervisor. No process is started until Sync.
func New(cfg Config, recorder metrics.Recorder) *Supervisor {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Supervisor{cfg: cfg, recorder: recorder}
}

// Sync reacts to a promoted cycle. The first call starts the process when
// the binary exists; later calls restart it only when the server binary
// changed. A failed start is not retried until the binary changes again.
func (s *Supervisor) Sync(ctx context.Context, changed build.ClassSet) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := !s.synced
	s.synced = true
	if !first && !changed.Has(build.ServerBinary) {
		return Outcome{}, nil
	}
	if first && !changed.Has(build.ServerBinary) {
		if _, err := os.Stat(s.cfg.Binary); err != nil {
			slog.Warn("Server binary not found; not starting", logfields.Path(s.cfg.Binary))
			return Outcome{}, nil
		}
	}

	s.stopLocked()
	if err := s.startLocked(ctx); err != nil {
		s.recorder.IncProcessRestart(metrics.ResultFailed)
		return Outcome{}, err
	}
	s.recorder.IncProcessRestart(metrics.ResultSuccess)
	s.starts++
	s.waitForPort(ctx)
	return Outcome{Started: true, First: s.starts == 1, PID: s.proc.cmd.Process.Pid, Binary: s.cfg.Binary}, nil
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	tail := build.NewTailBuffer(outputTail)
	cmd.Stdout = writerWithTail(s.cfg.Stdout, tail)
	cmd.Stderr = writerWithTail(s.cfg.Stderr, tail)

	if err := cmd.Start(); err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryProcess, "failed to start server").
			WithContext("binary", s.cfg.Binary).
			Build()
	}
	p := &process{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	probe := time.NewTimer(s.cfg.StartupProbe)
	defer probe.Stop()
	select {
	case <-p.done:
		return foundationerrors.ProcessError("server exited during startup").
			WithContext("binary", s.cfg.Binary).
			WithContext("exit_code", exitCode(p.err)).
			WithContext("output", tail.String()).
			UserAction().
			Build()
	case <-probe.C:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-p.done
		return foundationerrors.WrapError(ctx.Err(), foundationerrors.CategoryProcess, "server start cancelled").Build()
	}

	s.proc = p
	go s.watchExit(p)
	slog.Info("Server started", logfields.PID(cmd.Process.Pid), logfields.Path(s.cfg.Binary))
	return nil
}

func (s *Supervisor) watchExit(p *process) {
	<-p.done
	s.mu.Lock()
	current := s.proc == p
	s.mu.Unlock()
	if current {
		slog.Warn("Server exited", logfields.PID(p.cmd.Process.Pid), slog.Int("exit_code", exitCode(p.err)))
	}
}

func (s *Supervisor) waitForPort(ctx context.Context) {
	if s.cfg.WaitForPort <= 0 || s.cfg.SiteAddr == "" {
		return
	}
	deadline := time.Now().Add(s.cfg.WaitForPort)
	for {
		conn, err := net.DialTimeout("tcp", s.cfg.SiteAddr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("Server is not accepting connections", slog.String("addr", s.cfg.SiteAddr), logfields.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.proc.done:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Running reports the PID of the live process, if any.
func (s *Supervisor) Running() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0, false
	}
	select {
	case <-s.proc.done:
		return 0, false
	default:
		return s.proc.cmd.Process.Pid, true
	}
}

// Stop terminates the live process: a terminate signal first, then a kill
// once the grace period elapsed.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	p := s.proc
	s.proc = nil
	if p == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	pid := p.cmd.Process.Pid
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("Terminate signal failed", logfields.PID(pid), logfields.Error(err))
	}
	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-p.done:
		slog.Debug("Server stopped", logfields.PID(pid))
	case <-grace.C:
		_ = p.cmd.Process.Kill()
		<-p.done
		slog.Warn("Server killed after grace period", logfields.PID(pid))
	}
}

func writerWithTail(w io.Writer, tail *build.TailBuffer) io.Writer {
	if w == nil {
		return tail
	}
	return io.MultiWriter(w, tail)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
