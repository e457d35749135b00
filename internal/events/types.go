package events

import (
	"time"

	"git.home.luguber.info/inful/devloop/internal/build"
)

// Event is implemented by every session event. Sinks subscribe to it to
// receive the whole stream.
type Event interface {
	Name() string
	Meta() Header
}

// Header carries the fields common to all session events.
type Header struct {
	Session string    `json:"session"`
	Cycle   uint64    `json:"cycle,omitempty"`
	At      time.Time `json:"at"`
}

func (h Header) Meta() Header { return h }

// Cycle outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

// Cycle start reasons.
const (
	ReasonChange  = "change"
	ReasonInitial = "initial"
	ReasonManual  = "manual"
)

// CycleStarted is published when the scheduler forks the steps of a cycle.
type CycleStarted struct {
	Header
	Steps  build.StepSet `json:"steps"`
	Paths  []string      `json:"paths,omitempty"`
	Reason string        `json:"reason"`
}

func (CycleStarted) Name() string { return "cycle.started" }

// StepFinished is published when one step of a live cycle returns.
type StepFinished struct {
	Header
	Step     build.StepKind `json:"-"`
	StepName string         `json:"step"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
}

func (StepFinished) Name() string { return "step.finished" }

// OK reports whether the step succeeded.
func (e StepFinished) OK() bool { return e.Error == "" }

// CycleSuperseded is published when a newer cycle replaces a running one.
type CycleSuperseded struct {
	Header
	By uint64 `json:"by"`
}

func (CycleSuperseded) Name() string { return "cycle.superseded" }

// CycleFinished is published once per cycle with its final outcome.
type CycleFinished struct {
	Header
	Outcome  string         `json:"outcome"`
	Steps    build.StepSet  `json:"steps"`
	Failed   []string       `json:"failed,omitempty"`
	Changed  build.ClassSet `json:"changed"`
	Writes   int            `json:"writes"`
	Removes  int            `json:"removes"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
}

func (CycleFinished) Name() string { return "cycle.finished" }

// ReloadSent is published after the reload hub broadcast a message.
type ReloadSent struct {
	Header
	Kind    string `json:"kind"`
	Href    string `json:"href,omitempty"`
	Clients int    `json:"clients"`
}

func (ReloadSent) Name() string { return "reload.sent" }

// ProcessRestarted is published when the served process was (re)started.
type ProcessRestarted struct {
	Header
	PID    int    `json:"pid"`
	Binary string `json:"binary"`
	First  bool   `json:"first"`
}

func (ProcessRestarted) Name() string { return "process.restarted" }

// ProcessFailed is published when the served process could not be started
// or exited during its startup probe.
type ProcessFailed struct {
	Header
	Binary string `json:"binary"`
	Error  string `json:"error"`
}

func (ProcessFailed) Name() string { return "process.failed" }
