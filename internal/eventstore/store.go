// Package eventstore keeps the history of a watch session's events.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/devloop/internal/events"
)

// Store persists session events and answers history queries.
type Store interface {
	// Append adds an event to the history.
	Append(ctx context.Context, evt events.Event) error

	// BySession returns every event of a session in append order.
	BySession(ctx context.Context, session string) ([]Record, error)

	// RecentCycles returns the last finished cycles, newest first.
	RecentCycles(ctx context.Context, limit int) ([]CycleSummary, error)

	// Close closes the store and releases resources.
	Close() error
}

// Record is one stored event.
type Record struct {
	ID        int64           `json:"id"`
	Session   string          `json:"session"`
	Cycle     uint64          `json:"cycle,omitempty"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// CycleSummary is the read model of a finished cycle served by /cycles.
type CycleSummary struct {
	Session    string    `json:"session"`
	Cycle      uint64    `json:"cycle"`
	Outcome    string    `json:"outcome"`
	Steps      []string  `json:"steps"`
	Failed     []string  `json:"failed,omitempty"`
	Changed    []string  `json:"changed"`
	Writes     int       `json:"writes"`
	Removes    int       `json:"removes"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func summarize(ev events.CycleFinished) CycleSummary {
	return CycleSummary{
		Session:    ev.Session,
		Cycle:      ev.Cycle,
		Outcome:    ev.Outcome,
		Steps:      ev.Steps.Names(),
		Failed:     ev.Failed,
		Changed:    ev.Changed.Names(),
		Writes:     ev.Writes,
		Removes:    ev.Removes,
		DurationMS: ev.Duration.Milliseconds(),
		Error:      ev.Error,
		FinishedAt: ev.At,
	}
}
