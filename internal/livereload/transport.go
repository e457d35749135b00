package livereload

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// heartbeatInterval keeps idle SSE connections open through proxies.
const heartbeatInterval = 30 * time.Second

// ServeHTTP implements the SSE endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	c, err := h.register("sse")
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.remove(c.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	bw := bufio.NewWriter(w)
	write := func(s string) bool {
		if _, err := bw.WriteString(s); err != nil {
			slog.Debug("Reload client write failed", logfields.Client(c.id), logfields.Error(err))
			c.markDead()
			return false
		}
		if err := bw.Flush(); err != nil {
			slog.Debug("Reload client flush failed", logfields.Client(c.id), logfields.Error(err))
			c.markDead()
			return false
		}
		flusher.Flush()
		return true
	}
	if !write(": connected\n\n") {
		return
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-hb.C:
			if !write(": ping\n\n") {
				return
			}
		case msg := <-c.ch:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if !write("data: " + string(data) + "\n\n") {
				return
			}
		}
	}
}

// WebSocket returns the handler for the WebSocket endpoint. Any origin is
// accepted; the served site and the reload server listen on different ports.
func (h *Hub) WebSocket() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serveWebSocket,
	}
}

func (h *Hub) serveWebSocket(ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()
	c, err := h.register("websocket")
	if err != nil {
		return
	}
	defer h.remove(c.id)

	// The browser never sends anything; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-c.done:
			return
		case msg := <-c.ch:
			if err := websocket.JSON.Send(ws, msg); err != nil {
				slog.Debug("Reload client write failed", logfields.Client(c.id), logfields.Error(err))
				c.markDead()
				return
			}
		}
	}
}
