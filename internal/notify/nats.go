// Package notify fans session events out to NATS for external tooling.
package notify

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/devloop/internal/events"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "devloop.events"

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Notifier publishes every event as JSON on <prefix>.<event name>.
type Notifier struct {
	pub    Publisher
	prefix string
}

// New returns a notifier over pub.
func New(pub Publisher, prefix string) *Notifier {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Notifier{pub: pub, prefix: prefix}
}

// Connect dials url and returns a notifier over the connection.
func Connect(url, prefix string) (*Notifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("devloop"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to connect to NATS").
			WithContext("url", url).
			Build()
	}
	slog.Info("NATS notifier connected", slog.String("url", url), slog.String("subject_prefix", prefix))
	return New(conn, prefix), nil
}

// Subject is the subject evt is published on.
func (n *Notifier) Subject(evt events.Event) string {
	return n.prefix + "." + evt.Name()
}

// Notify publishes evt.
func (n *Notifier) Notify(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryInternal, "failed to marshal event").
			WithContext("event", evt.Name()).
			Build()
	}
	if err := n.pub.Publish(n.Subject(evt), data); err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryRuntime, "failed to publish event").
			WithContext("subject", n.Subject(evt)).
			Build()
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *Notifier) Close() error {
	err := n.pub.FlushTimeout(2 * time.Second)
	n.pub.Close()
	if err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryRuntime, "failed to flush NATS").Build()
	}
	return nil
}
