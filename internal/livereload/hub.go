package livereload

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"git.home.luguber.info/inful/devloop/internal/build"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
	"git.home.luguber.info/inful/devloop/internal/metrics"
)

// Message types understood by the browser client.
const (
	TypeReload = "reload"
	TypeCSS    = "css"
)

// Message is one instruction for connected browsers.
type Message struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
}

// MessageFor picks the instruction for a cycle that changed the given
// artifact classes. A change limited to the stylesheet is patched in place;
// anything else needs a full reload. ok is false when nothing changed.
func MessageFor(changed build.ClassSet, cssHref string) (msg Message, ok bool) {
	switch {
	case changed.IsEmpty():
		return Message{}, false
	case changed.OnlyStylesheet() && cssHref != "":
		return Message{Type: TypeCSS, Href: cssHref}, true
	default:
		return Message{Type: TypeReload}, true
	}
}

// clientBuffer bounds the messages queued for a slow client.
const clientBuffer = 8

// Hub manages connected reload clients for one watch session.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	clients  map[int]*client
	closed   bool
	cssHref  string
	recorder metrics.Recorder
}

type client struct {
	id        int
	transport string
	ch        chan Message
	done      chan struct{}
	dead      atomic.Bool
	closeOnce sync.Once
}

func (c *client) close() { c.closeOnce.Do(func() { close(c.done) }) }

// markDead flags a client whose transport failed. It stops receiving
// messages and the next broadcast removes it.
func (c *client) markDead() {
	c.dead.Store(true)
	c.close()
}

// NewHub returns a hub that patches stylesheets at cssHref. An empty cssHref
// turns every change into a full reload. recorder may be nil.
func NewHub(cssHref string, recorder metrics.Recorder) *Hub {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Hub{clients: map[int]*client{}, cssHref: cssHref, recorder: recorder}
}

// CSSHref is the served stylesheet path used in patch messages.
func (h *Hub) CSSHref() string { return h.cssHref }

func (h *Hub) register(transport string) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, foundationerrors.ReloadError("live reload is shutting down").Build()
	}
	c := &client{id: h.nextID, transport: transport, ch: make(chan Message, clientBuffer), done: make(chan struct{})}
	h.nextID++
	h.clients[c.id] = c
	h.recorder.SetReloadClients(len(h.clients))
	slog.Debug("Reload client connected", logfields.Client(c.id), slog.String("transport", transport), logfields.Clients(len(h.clients)))
	return c, nil
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id int) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	c.close()
	h.recorder.SetReloadClients(len(h.clients))
	slog.Debug("Reload client disconnected", logfields.Client(id), logfields.Clients(len(h.clients)))
}

// Clients is the number of registered clients, including dead ones not yet pruned.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends the instruction for changed to every live client and
// returns the message and how many clients it was queued for. Nothing is sent
// when changed is empty.
func (h *Hub) Broadcast(changed build.ClassSet) (Message, int) {
	msg, ok := MessageFor(changed, h.cssHref)
	if !ok {
		return Message{}, 0
	}
	return msg, h.Send(msg)
}

// Send queues msg for every live client. Clients marked dead are pruned first.
// A client whose queue is full is dropped; the others are unaffected.
func (h *Hub) Send(msg Message) int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	snapshot := make([]*client, 0, len(h.clients))
	pruned := 0
	for id, c := range h.clients {
		if c.dead.Load() {
			h.removeLocked(id)
			pruned++
			continue
		}
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	sent, dropped := 0, 0
	for _, c := range snapshot {
		select {
		case c.ch <- msg:
			sent++
		default:
			dropped++
			h.remove(c.id)
		}
	}
	h.recorder.IncReloadBroadcast(msg.Type)
	slog.Debug("Reload broadcast",
		slog.String("type", msg.Type),
		logfields.Clients(sent),
		slog.Int("dropped", dropped),
		slog.Int("pruned", pruned))
	return sent
}

// Shutdown disconnects all clients and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = map[int]*client{}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	h.recorder.SetReloadClients(0)
}
