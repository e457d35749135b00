package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/devloop/internal/events"
)

const cycleFinished = "cycle.finished"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based history.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, wrap(ErrDatabaseOpenFailed, err)
	}
	// Each connection to :memory: is its own database.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, wrap(ErrInitializeSchemaFailed, err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session ON events(session);
	CREATE INDEX IF NOT EXISTS idx_event_type ON events(event_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds evt to the history. The payload is the event's JSON encoding.
func (s *SQLiteStore) Append(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return wrap(ErrEventAppendFailed, err)
	}
	meta := evt.Meta()
	at := meta.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (session, cycle, event_type, timestamp, payload) VALUES (?, ?, ?, ?, ?)",
		meta.Session, int64(meta.Cycle), evt.Name(), at.UnixNano(), payload,
	)
	if err != nil {
		return wrap(ErrEventAppendFailed, err)
	}
	return nil
}

// BySession returns all events of a session.
func (s *SQLiteStore) BySession(ctx context.Context, session string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session, cycle, event_type, timestamp, payload FROM events WHERE session = ? ORDER BY id",
		session,
	)
	if err != nil {
		return nil, wrap(ErrEventQueryFailed, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r     Record
			cycle int64
			ts    int64
		)
		if err := rows.Scan(&r.ID, &r.Session, &cycle, &r.Type, &ts, &r.Payload); err != nil {
			return nil, wrap(ErrEventQueryFailed, err)
		}
		r.Cycle = uint64(cycle)
		r.Timestamp = time.Unix(0, ts)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrEventQueryFailed, err)
	}
	return records, nil
}

// RecentCycles decodes the last limit cycle.finished events.
func (s *SQLiteStore) RecentCycles(ctx context.Context, limit int) ([]CycleSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM events WHERE event_type = ? ORDER BY id DESC LIMIT ?",
		cycleFinished, limit,
	)
	if err != nil {
		return nil, wrap(ErrEventQueryFailed, err)
	}
	defer rows.Close()

	summaries := make([]CycleSummary, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, wrap(ErrEventQueryFailed, err)
		}
		var ev events.CycleFinished
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, wrap(ErrEventQueryFailed, err)
		}
		summaries = append(summaries, summarize(ev))
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrEventQueryFailed, err)
	}
	return summaries, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
