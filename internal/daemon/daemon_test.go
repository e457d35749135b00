package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/config"
	"git.home.luguber.info/inful/devloop/internal/events"
	"git.home.luguber.info/inful/devloop/internal/eventstore"
)

func slogDiscard() *slog.Logger { return slog.New(slog.DiscardHandler) }

const projectConfig = `
project:
  name: app
steps:
  frontend:
    enabled: false
  binary:
    enabled: false
style:
  source: style/main.css
serve:
  enabled: false
reload:
  addr: 127.0.0.1:0
history:
  path: ":memory:"
watch:
  respect_gitignore: false
`

func writeProject(t *testing.T) (root string, cfg *config.Config) {
	t.Helper()
	root = t.TempDir()
	files := map[string]string{
		"devloop.yaml":       projectConfig,
		"style/main.css":     "body { color: red; }",
		"public/favicon.ico": "icon",
		"public/img/a.svg":   "<svg/>",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	cfg, err := config.Load(filepath.Join(root, "devloop.yaml"))
	require.NoError(t, err)
	return root, cfg
}

func waitFinished(t *testing.T, ch <-chan events.CycleFinished) events.CycleFinished {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("no cycle finished")
		return events.CycleFinished{}
	}
}

// sseLines streams the data lines of an SSE response.
func sseLines(t *testing.T, url string) <-chan string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		defer resp.Body.Close()
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				lines <- data
			}
		}
	}()
	return lines
}

func TestWatchSessionEndToEnd(t *testing.T) {
	root, cfg := writeProject(t)
	reg := prometheus.NewRegistry()
	d, err := New(cfg, Options{Stdout: io.Discard, Stderr: io.Discard, Registry: reg})
	require.NoError(t, err)
	require.Equal(t, build.NewStepSet(build.Style, build.Assets), d.Scheduler().Enabled())

	finished, unsub := events.Subscribe[events.CycleFinished](d.Bus(), 16)
	defer unsub()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	initial := waitFinished(t, finished)
	require.Equal(t, events.OutcomeSuccess, initial.Outcome)
	require.Equal(t, build.NewClassSet(build.Stylesheet, build.StaticAsset), initial.Changed)

	site := filepath.Join(root, "target", "devloop", "site")
	css, err := os.ReadFile(filepath.Join(site, "pkg", "app.css"))
	require.NoError(t, err)
	require.Equal(t, "body { color: red; }", string(css))
	require.FileExists(t, filepath.Join(site, "favicon.ico"))
	require.FileExists(t, filepath.Join(site, "img", "a.svg"))

	base := "http://" + d.ReloadAddr()
	messages := sseLines(t, base+"/livereload")
	require.Eventually(t, func() bool {
		var h healthResponse
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&h) == nil && h.ReloadClients == 1
	}, 5*time.Second, 20*time.Millisecond)

	// A stylesheet edit runs only the style step and patches in place.
	require.NoError(t, os.WriteFile(filepath.Join(root, "style", "main.css"), []byte("body { color: blue; }"), 0o600))
	styled := waitFinished(t, finished)
	require.Equal(t, build.NewStepSet(build.Style), styled.Steps)
	select {
	case msg := <-messages:
		require.JSONEq(t, `{"type":"css","href":"/pkg/app.css"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload message")
	}

	// A manual rebuild with nothing changed notifies nobody.
	resp, err := http.Post(base+"/rebuild", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	manual := waitFinished(t, finished)
	require.Equal(t, events.OutcomeSuccess, manual.Outcome)
	require.True(t, manual.Changed.IsEmpty())

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/cycles")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var cycles []eventstore.CycleSummary
		return json.NewDecoder(resp.Body).Decode(&cycles) == nil && len(cycles) == 3
	}, 5*time.Second, 20*time.Millisecond)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `devloop_cycles_total{outcome="success"} 3`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
	require.FileExists(t, filepath.Join(root, "target", "devloop", ".fingerprints.json"))
}

func TestNewRejectsUnreadableHistory(t *testing.T) {
	_, cfg := writeProject(t)
	cfg.History.Path = filepath.Join(t.TempDir(), "missing", "dir", "history.db")

	_, err := New(cfg, Options{})
	require.Error(t, err)
}

func TestCSSHrefFollowsPkgDir(t *testing.T) {
	cfg := &config.Config{}
	cfg.Project.Name = "shop"
	cfg.Output.PkgDir = "assets/pkg"
	require.Equal(t, "/assets/pkg/shop.css", cssHref(cfg))
}
