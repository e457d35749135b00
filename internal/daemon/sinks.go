package daemon

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/devloop/internal/events"
	"git.home.luguber.info/inful/devloop/internal/eventstore"
	"git.home.luguber.info/inful/devloop/internal/logfields"
	"git.home.luguber.info/inful/devloop/internal/notify"
)

// sinkBuffer is the per sink backlog before publishers block.
const sinkBuffer = 256

// sink consumes the whole event stream of a session.
type sink struct {
	name   string
	handle func(ctx context.Context, evt events.Event) error
}

func logSink() sink {
	return sink{name: "log", handle: func(_ context.Context, evt events.Event) error {
		meta := evt.Meta()
		slog.Debug("Session event", slog.String("event", evt.Name()), logfields.Session(meta.Session), logfields.Cycle(meta.Cycle))
		return nil
	}}
}

func historySink(store eventstore.Store) sink {
	return sink{name: "history", handle: store.Append}
}

func notifySink(n *notify.Notifier) sink {
	return sink{name: "nats", handle: func(_ context.Context, evt events.Event) error {
		return n.Notify(evt)
	}}
}

// sinkGroup runs sinks until the bus closes their subscriptions.
type sinkGroup struct {
	wg sync.WaitGroup
}

// start subscribes every sink before returning, so no event published
// afterwards is missed.
func (g *sinkGroup) start(ctx context.Context, bus *events.Bus, sinks ...sink) {
	for _, s := range sinks {
		ch, _ := events.Subscribe[events.Event](bus, sinkBuffer)
		g.wg.Add(1)
		go func(s sink) {
			defer g.wg.Done()
			for evt := range ch {
				// Handlers get a context that outlives the session so
				// events published during shutdown are still recorded.
				if err := s.handle(context.WithoutCancel(ctx), evt); err != nil {
					slog.Warn("Event sink failed", slog.String("sink", s.name), slog.String("event", evt.Name()), logfields.Error(err))
				}
			}
		}(s)
	}
}

// wait blocks until every sink drained its subscription.
func (g *sinkGroup) wait() { g.wg.Wait() }
