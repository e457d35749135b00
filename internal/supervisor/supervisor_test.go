package supervisor

import (
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/config"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

// TestHelperProcess is the served binary used by the tests below. It only
// acts when started by a supervisor with DEVLOOP_HELPER_PROCESS set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("DEVLOOP_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "serve":
		if out := os.Getenv("HELPER_OUT"); out != "" {
			var lines []string
			for _, kv := range os.Environ() {
				if strings.HasPrefix(kv, "LEPTOS_") {
					lines = append(lines, kv)
				}
			}
			_ = os.WriteFile(out, []byte(strings.Join(lines, "\n")), 0o600)
		}
		ln, err := net.Listen("tcp", os.Getenv("LEPTOS_SITE_ADDR"))
		if err != nil {
			os.Exit(3)
		}
		defer ln.Close()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM)
		<-sig
		os.Exit(0)
	case "crash":
		_, _ = os.Stderr.WriteString("panic: address already in use\n")
		os.Exit(2)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("supervisor tests rely on SIGTERM")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func helperConfig(t *testing.T, mode string, extra ...string) Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	addr := freeAddr(t)
	env := append([]string{
		"DEVLOOP_HELPER_PROCESS=1",
		"HELPER_MODE=" + mode,
		"LEPTOS_SITE_ADDR=" + addr,
	}, extra...)
	return Config{
		Binary:       exe,
		Args:         []string{"-test.run=^TestHelperProcess$"},
		Env:          env,
		SiteAddr:     addr,
		GracePeriod:  2 * time.Second,
		StartupProbe: 100 * time.Millisecond,
		WaitForPort:  5 * time.Second,
	}
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func TestFirstSyncStartsAndWaitsForPort(t *testing.T) {
	requireUnix(t)
	out := filepath.Join(t.TempDir(), "env.txt")
	cfg := helperConfig(t, "serve", "HELPER_OUT="+out, "LEPTOS_WATCH=ON")
	s := New(cfg, nil)
	defer s.Stop()

	outcome, err := s.Sync(t.Context(), build.NewClassSet(build.ClientBundle))
	require.NoError(t, err)
	require.True(t, outcome.Started)
	require.True(t, outcome.First)

	conn, err := net.Dial("tcp", cfg.SiteAddr)
	require.NoError(t, err, "sync returns once the site accepts connections")
	_ = conn.Close()

	pid, ok := s.Running()
	require.True(t, ok)
	require.Equal(t, outcome.PID, pid)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "LEPTOS_WATCH=ON")
	require.Contains(t, string(data), "LEPTOS_SITE_ADDR="+cfg.SiteAddr)
}

func TestSyncRestartsOnlyOnServerBinaryChange(t *testing.T) {
	requireUnix(t)
	s := New(helperConfig(t, "serve"), nil)
	defer s.Stop()

	first, err := s.Sync(t.Context(), build.NewClassSet(build.ServerBinary))
	require.NoError(t, err)
	require.True(t, first.Started)

	same, err := s.Sync(t.Context(), build.NewClassSet(build.Stylesheet, build.ClientBundle))
	require.NoError(t, err)
	require.False(t, same.Started)
	pid, ok := s.Running()
	require.True(t, ok)
	require.Equal(t, first.PID, pid)

	restarted, err := s.Sync(t.Context(), build.NewClassSet(build.ServerBinary))
	require.NoError(t, err)
	require.True(t, restarted.Started)
	require.False(t, restarted.First)
	require.NotEqual(t, first.PID, restarted.PID)
	require.Eventually(t, func() bool { return !processAlive(first.PID) }, 2*time.Second, 20*time.Millisecond)
}

func TestStartupCrashIsProcessFailureAndNotRetried(t *testing.T) {
	requireUnix(t)
	cfg := helperConfig(t, "crash")
	cfg.StartupProbe = 5 * time.Second
	s := New(cfg, nil)
	defer s.Stop()

	_, err := s.Sync(t.Context(), build.NewClassSet(build.ServerBinary))
	require.Error(t, err)
	classified, ok := foundationerrors.AsClassified(err)
	require.True(t, ok)
	require.Equal(t, foundationerrors.CategoryProcess, classified.Category())
	code, _ := classified.Context().Get("exit_code")
	require.Equal(t, 2, code)
	output, _ := classified.Context().GetString("output")
	require.Contains(t, output, "address already in use")

	_, running := s.Running()
	require.False(t, running)

	outcome, err := s.Sync(t.Context(), build.NewClassSet(build.StaticAsset))
	require.NoError(t, err)
	require.False(t, outcome.Started, "a failed start waits for a new binary")
}

func TestFirstSyncWithoutBinaryDoesNothing(t *testing.T) {
	s := New(Config{Binary: filepath.Join(t.TempDir(), "missing")}, nil)

	outcome, err := s.Sync(t.Context(), build.NewClassSet(build.StaticAsset))
	require.NoError(t, err)
	require.False(t, outcome.Started)

	_, running := s.Running()
	require.False(t, running)
}

func TestMissingBinaryOnChangeIsProcessFailure(t *testing.T) {
	s := New(Config{Binary: filepath.Join(t.TempDir(), "missing")}, nil)

	_, err := s.Sync(t.Context(), build.NewClassSet(build.ServerBinary))
	require.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryProcess))
}

func TestStopKillsAfterGracePeriod(t *testing.T) {
	requireUnix(t)
	cfg := helperConfig(t, "stubborn")
	cfg.WaitForPort = 0
	cfg.GracePeriod = 200 * time.Millisecond
	s := New(cfg, nil)

	outcome, err := s.Sync(t.Context(), build.NewClassSet(build.ServerBinary))
	require.NoError(t, err)

	start := time.Now()
	s.Stop()
	require.GreaterOrEqual(t, time.Since(start), cfg.GracePeriod)
	require.False(t, processAlive(outcome.PID))
	_, running := s.Running()
	require.False(t, running)

	s.Stop()
}

func TestConfigFromDerivesEnvironmentContract(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Project.Root = root
	cfg.Project.Name = "app"
	cfg.Project.BinPackage = "server"
	cfg.Serve.Args = []string{"--name=${OUTPUT_NAME}"}
	cfg.Serve.Env = map[string]string{"RUST_LOG": "info"}
	require.NoError(t, config.ApplyDefaults(cfg))

	sc := ConfigFrom(cfg, nil, nil)
	require.Equal(t, filepath.Join(root, "target", "devloop", "bin", "server"+exeSuffix()), sc.Binary)
	require.Equal(t, []string{"--name=app"}, sc.Args)
	require.Equal(t, root, sc.Dir)
	require.Contains(t, sc.Env, "LEPTOS_OUTPUT_NAME=app")
	require.Contains(t, sc.Env, "LEPTOS_SITE_ROOT="+filepath.Join(root, "target", "devloop", "site"))
	require.Contains(t, sc.Env, "LEPTOS_SITE_PKG_DIR=pkg")
	require.Contains(t, sc.Env, "LEPTOS_SITE_ADDR=127.0.0.1:3000")
	require.Contains(t, sc.Env, "LEPTOS_RELOAD_PORT=3001")
	require.Contains(t, sc.Env, "LEPTOS_WATCH=ON")
	require.Contains(t, sc.Env, "RUST_LOG=info")
	require.Equal(t, 3*time.Second, sc.GracePeriod)
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}
