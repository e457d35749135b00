package errors

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifiedError(t *testing.T) {
	t.Run("Basic error creation", func(t *testing.T) {
		err := NewError(CategoryConfig, "invalid configuration").
			WithSeverity(SeverityFatal).
			WithContext("file", "devloop.yaml").
			Build()

		require.Equal(t, CategoryConfig, err.Category())
		require.Equal(t, SeverityFatal, err.Severity())
		require.Equal(t, "invalid configuration", err.Message())

		file, ok := err.Context().GetString("file")
		require.True(t, ok)
		require.Equal(t, "devloop.yaml", file)
	})

	t.Run("Wrapped classified errors are found", func(t *testing.T) {
		cause := errors.New("exit status 101")
		err := StepError("frontend step failed").WithCause(cause).WithContext("step", "frontend").Build()
		wrapped := fmt.Errorf("cycle 3: %w", err)

		require.True(t, HasCategory(wrapped, CategoryStep))
		require.ErrorIs(t, wrapped, cause)
		require.Equal(t, CategoryStep, GetCategory(wrapped))
		require.False(t, IsFatal(wrapped))
	})

	t.Run("Watch failures are fatal", func(t *testing.T) {
		require.True(t, IsFatal(WatchError("event overflow").Build()))
	})

	t.Run("WithContext does not mutate the original", func(t *testing.T) {
		base := WriteError("rename failed").Build()
		derived := base.WithContext("path", "site/pkg/app.css")

		_, ok := base.Context().Get("path")
		require.False(t, ok)
		got, ok := derived.Context().GetString("path")
		require.True(t, ok)
		require.Equal(t, "site/pkg/app.css", got)
	})

	t.Run("Unclassified errors default to internal", func(t *testing.T) {
		require.Equal(t, CategoryInternal, GetCategory(errors.New("boom")))
	})
}

func TestCLIErrorAdapter_ExitCodeFor(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, slog.Default())

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil error", err: nil, expected: 0},
		{name: "validation", err: ValidationError("bad flag").Build(), expected: 2},
		{name: "config", err: ConfigError("bad file").Build(), expected: 7},
		{name: "watch", err: WatchError("feed lost").Build(), expected: 9},
		{name: "step", err: StepError("compile failed").Build(), expected: 11},
		{name: "process", err: ProcessError("port bound").Build(), expected: 12},
		{name: "unclassified", err: errors.New("unknown"), expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, adapter.ExitCodeFor(tt.err))
		})
	}
}

func TestHTTPErrorAdapter_WriteErrorResponse(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rebuild", nil)

	adapter.WriteErrorResponse(rec, req, RuntimeError("scheduler stopped").Build())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"runtime"`)
	require.Contains(t, rec.Body.String(), "scheduler stopped")
}

func TestScopeHelpersAndLogValue(t *testing.T) {
	b := WriteError("rename failed").WithPath("site/pkg/app.css").WithStep("style").WithCycle(7)
	err := b.Build()
	b.WithPath("other")

	p, ok := err.Context().GetString(ContextPath)
	require.True(t, ok)
	require.Equal(t, "site/pkg/app.css", p)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("write", slog.Any("error", err))
	out := buf.String()
	require.Contains(t, out, "error.category=write")
	require.Contains(t, out, "error.cycle=7")
	require.Contains(t, out, "error.path=site/pkg/app.css")
	require.Contains(t, out, "error.step=style")
}

func TestSentinelsMatchThroughContext(t *testing.T) {
	sentinel := NewError(CategoryRuntime, "event append failed").Build()
	err := fmt.Errorf("history: %w", WrapError(errors.New("disk full"), CategoryRuntime, "event append failed").WithContext("event", "cycle.finished").Build())
	require.ErrorIs(t, err, sentinel)
	require.NotErrorIs(t, err, NewError(CategoryWrite, "event append failed").Build())
}
