package eventstore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/events"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func finished(session string, seq uint64, outcome string) events.CycleFinished {
	return events.CycleFinished{
		Header:   events.Header{Session: session, Cycle: seq, At: time.Unix(1700000000+int64(seq), 0)},
		Outcome:  outcome,
		Steps:    build.NewStepSet(build.Style, build.Binary),
		Changed:  build.NewClassSet(build.Stylesheet),
		Writes:   1,
		Duration: 1500 * time.Millisecond,
	}
}

func TestAppendAndBySession(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	require.NoError(t, store.Append(ctx, events.CycleStarted{
		Header: events.Header{Session: "a", Cycle: 1, At: time.Now()},
		Steps:  build.NewStepSet(build.Style),
		Reason: events.ReasonInitial,
	}))
	require.NoError(t, store.Append(ctx, finished("a", 1, events.OutcomeSuccess)))
	require.NoError(t, store.Append(ctx, finished("b", 1, events.OutcomeSuccess)))

	records, err := store.BySession(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "cycle.started", records[0].Type)
	require.Equal(t, "cycle.finished", records[1].Type)
	require.Equal(t, uint64(1), records[1].Cycle)

	var started events.CycleStarted
	require.NoError(t, json.Unmarshal(records[0].Payload, &started))
	require.Equal(t, build.NewStepSet(build.Style), started.Steps)
	require.Equal(t, events.ReasonInitial, started.Reason)

	none, err := store.BySession(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRecentCyclesNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	for seq := uint64(1); seq <= 5; seq++ {
		outcome := events.OutcomeSuccess
		if seq == 4 {
			outcome = events.OutcomeFailed
		}
		require.NoError(t, store.Append(ctx, finished("s", seq, outcome)))
		require.NoError(t, store.Append(ctx, events.ReloadSent{Header: events.Header{Session: "s", Cycle: seq}, Kind: "css"}))
	}

	cycles, err := store.RecentCycles(ctx, 3)
	require.NoError(t, err)
	require.Len(t, cycles, 3)
	require.Equal(t, []uint64{5, 4, 3}, []uint64{cycles[0].Cycle, cycles[1].Cycle, cycles[2].Cycle})
	require.Equal(t, events.OutcomeFailed, cycles[1].Outcome)
	require.Equal(t, []string{"binary", "style"}, cycles[0].Steps)
	require.Equal(t, []string{"stylesheet"}, cycles[0].Changed)
	require.Equal(t, int64(1500), cycles[0].DurationMS)
	require.Equal(t, time.Unix(1700000005, 0).UTC(), cycles[0].FinishedAt.UTC())
}

func TestHistoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(t.Context(), finished("s", 1, events.OutcomeSuccess)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	cycles, err := reopened.RecentCycles(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
}

func TestAppendAfterCloseFails(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Append(t.Context(), finished("s", 1, events.OutcomeSuccess))
	require.True(t, errors.Is(err, ErrEventAppendFailed))
}
