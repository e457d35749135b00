package metrics

import "time"

// ResultLabel enumerates step and write result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultCanceled ResultLabel = "canceled"
)

// Write results as reported by the output store.
const (
	WriteReplaced  = "replaced"
	WriteRemoved   = "removed"
	WriteUnchanged = "unchanged"
	WriteFailed    = "failed"
)

// Recorder defines the metrics hooks used by the scheduler, reload hub and
// supervisor. All methods must be safe for concurrent use.
type Recorder interface {
	IncCycleOutcome(outcome string) // success|failed|superseded
	ObserveCycleDuration(d time.Duration)
	ObserveStepDuration(step string, result ResultLabel, d time.Duration)
	AddOutputWrites(result string, n int)
	IncReloadBroadcast(kind string)
	SetReloadClients(n int)
	IncProcessRestart(result ResultLabel)
	IncSupersededCycles()
}

// NoopRecorder is a Recorder that does nothing (default when metrics are off).
type NoopRecorder struct{}

func (NoopRecorder) IncCycleOutcome(string)                                 {}
func (NoopRecorder) ObserveCycleDuration(time.Duration)                     {}
func (NoopRecorder) ObserveStepDuration(string, ResultLabel, time.Duration) {}
func (NoopRecorder) AddOutputWrites(string, int)                            {}
func (NoopRecorder) IncReloadBroadcast(string)                              {}
func (NoopRecorder) SetReloadClients(int)                                   {}
func (NoopRecorder) IncProcessRestart(ResultLabel)                          {}
func (NoopRecorder) IncSupersededCycles()                                   {}
