package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeySession    = "session"
	KeyCycle      = "cycle"
	KeyStep       = "step"
	KeySteps      = "steps"
	KeyArtifact   = "artifact"
	KeyPath       = "path"
	KeyClient     = "client"
	KeyClients    = "clients"
	KeyPID        = "pid"
	KeyDurationMS = "duration_ms"
	KeyOutcome    = "outcome"
	KeyError      = "error"

	// HTTP
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyRemoteAddr = "remote_addr"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Session(id string) slog.Attr     { return slog.String(KeySession, id) }
func Cycle(seq uint64) slog.Attr      { return slog.Uint64(KeyCycle, seq) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Steps(names string) slog.Attr    { return slog.String(KeySteps, names) }
func Artifact(class string) slog.Attr { return slog.String(KeyArtifact, class) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Client(id int) slog.Attr         { return slog.Int(KeyClient, id) }
func Clients(n int) slog.Attr         { return slog.Int(KeyClients, n) }
func PID(pid int) slog.Attr           { return slog.Int(KeyPID, pid) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr       { return slog.Int(KeyStatus, code) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
