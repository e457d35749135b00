package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/devloop/internal/events"
	"git.home.luguber.info/inful/devloop/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/livereload"
	"git.home.luguber.info/inful/devloop/internal/logfields"
	"git.home.luguber.info/inful/devloop/internal/scheduler"
	"git.home.luguber.info/inful/devloop/internal/storage"
)

const defaultCycleLimit = 20

// cycleController is the scheduler surface the control endpoints use.
type cycleController interface {
	Rebuild(ctx context.Context, reason string) error
	State() scheduler.State
	Current() uint64
	Last() (scheduler.Outcome, bool)
}

// processStatus reports the served process, if one is supervised.
type processStatus interface {
	Running() (int, bool)
}

// HTTPServer serves live reload transports and the control endpoints on the
// reload address.
type HTTPServer struct {
	addr         string
	session      string
	startedAt    time.Time
	sched        cycleController
	hub          *livereload.Hub
	history      eventstore.Store
	process      processStatus
	metrics      http.Handler
	errorAdapter *foundationerrors.HTTPErrorAdapter

	server *http.Server
	ln     net.Listener
}

// serverDeps wires the handlers. Hub, History, Process and Metrics are optional.
type serverDeps struct {
	Addr      string
	Session   string
	StartedAt time.Time
	Scheduler cycleController
	Hub       *livereload.Hub
	History   eventstore.Store
	Process   processStatus
	Metrics   http.Handler
}

func newHTTPServer(deps serverDeps) *HTTPServer {
	return &HTTPServer{
		addr:         deps.Addr,
		session:      deps.Session,
		startedAt:    deps.StartedAt,
		sched:        deps.Scheduler,
		hub:          deps.Hub,
		history:      deps.History,
		process:      deps.Process,
		metrics:      deps.Metrics,
		errorAdapter: foundationerrors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle("GET /live_reload", s.hub.WebSocket())
		mux.Handle("GET /livereload", s.hub)
		mux.Handle("GET /live_reload.js", livereload.ScriptHandler(s.port()))
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("POST /rebuild", s.handleRebuild)
	mux.HandleFunc("GET /cycles", s.handleCycles)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return chain(slog.Default(), s.errorAdapter)(mux)
}

// Start binds the reload address and serves in the background. Binding
// happens before Start returns so a busy port fails the session early.
func (s *HTTPServer) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryReload, "failed to bind reload server").
			WithContext("addr", s.addr).
			Fatal().
			Build()
	}
	s.ln = ln
	s.addr = ln.Addr().String()

	// Reload streams are long-lived, so no read or write timeouts.
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second, IdleTimeout: 300 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Reload server error", logfields.Error(err))
		}
	}()
	slog.Info("Reload server started", slog.String("addr", s.addr))
	return nil
}

// Addr is the bound address once started.
func (s *HTTPServer) Addr() string { return s.addr }

// Stop gracefully shuts the server down. Reload clients must be released
// first (Hub.Shutdown) or Stop waits for ctx.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryRuntime, "reload server shutdown").Build()
	}
	slog.Info("Reload server stopped")
	return nil
}

func (s *HTTPServer) port() string {
	_, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		return ""
	}
	return port
}

func (s *HTTPServer) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Rebuild(r.Context(), events.ReasonManual); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	slog.Info("Manual rebuild requested", logfields.RemoteAddr(r.RemoteAddr))
	_ = writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "after_cycle": s.sched.Current()})
}

func (s *HTTPServer) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorAdapter.WriteErrorResponse(w, r, foundationerrors.ValidationError("limit must be a positive integer").
				WithContext("limit", v).
				Build())
			return
		}
		limit = n
	}

	if s.history == nil {
		// Without a history database only the last cycle is known.
		cycles := []eventstore.CycleSummary{}
		if o, ok := s.sched.Last(); ok {
			cycles = append(cycles, summaryFromOutcome(s.session, o))
		}
		_ = writeJSON(w, http.StatusOK, cycles)
		return
	}

	cycles, err := s.history.RecentCycles(r.Context(), limit)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, cycles)
}

// healthResponse is the body of /healthz.
type healthResponse struct {
	Status        string `json:"status"`
	Session       string `json:"session"`
	State         string `json:"state"`
	Cycle         uint64 `json:"cycle"`
	LastOutcome   string `json:"last_outcome,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ServerPID     int    `json:"server_pid,omitempty"`
	ReloadClients int    `json:"reload_clients"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Session:       s.session,
		State:         s.sched.State().String(),
		Cycle:         s.sched.Current(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if o, ok := s.sched.Last(); ok {
		resp.LastOutcome = o.Result
	}
	if s.process != nil {
		if pid, ok := s.process.Running(); ok {
			resp.ServerPID = pid
		}
	}
	if s.hub != nil {
		resp.ReloadClients = s.hub.Clients()
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

func summaryFromOutcome(session string, o scheduler.Outcome) eventstore.CycleSummary {
	summary := eventstore.CycleSummary{
		Session:    session,
		Cycle:      o.Seq,
		Outcome:    o.Result,
		Steps:      o.Steps.Names(),
		Failed:     o.FailedSteps(),
		Changed:    o.Changed.Names(),
		Writes:     o.Report.Count(storage.Replaced),
		Removes:    o.Report.Count(storage.Removed),
		DurationMS: o.Duration.Milliseconds(),
		FinishedAt: o.StartedAt.Add(o.Duration),
	}
	if err := o.Err(); err != nil {
		summary.Error = err.Error()
	}
	return summary
}

// writeJSON encodes into a buffer first so a failed encode sends nothing.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("failed writing JSON response body", logfields.Error(err))
		return err
	}
	return nil
}
