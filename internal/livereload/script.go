package livereload

import (
	"fmt"
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// Script returns the browser client connecting to the reload server on port.
// It reloads on "reload" messages and swaps the matching stylesheet link on
// "css" messages.
func Script(port string) string {
	return fmt.Sprintf(`(() => {
  if (window.__DEVLOOP_LR__) return;
  window.__DEVLOOP_LR__ = true;
  const proto = location.protocol === 'https:' ? 'wss' : 'ws';
  const url = proto + '://' + location.hostname + ':%s/live_reload';
  function patchCSS(href) {
    let found = false;
    document.querySelectorAll('link[rel="stylesheet"]').forEach((link) => {
      const u = new URL(link.href, location.href);
      if (u.pathname !== href) return;
      found = true;
      const next = link.cloneNode();
      next.href = href + '?v=' + Date.now();
      next.onload = () => link.remove();
      link.after(next);
    });
    if (!found) location.reload();
  }
  function connect() {
    const ws = new WebSocket(url);
    ws.onmessage = (e) => {
      let msg;
      try { msg = JSON.parse(e.data); } catch (_) { return; }
      if (msg.type === 'css' && msg.href) { patchCSS(msg.href); return; }
      if (msg.type === 'reload') location.reload();
    };
    ws.onclose = () => setTimeout(connect, 1000);
  }
  connect();
})();
`, port)
}

// ScriptHandler serves Script for port.
func ScriptHandler(port string) http.Handler {
	script := []byte(Script(port))
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(script); err != nil {
			slog.Error("failed to write live reload script", logfields.Error(err))
		}
	})
}
