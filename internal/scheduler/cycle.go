package scheduler

import (
	"context"
	"time"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/events"
	"git.home.luguber.info/inful/devloop/internal/livereload"
	"git.home.luguber.info/inful/devloop/internal/storage"
)

// State is the phase of the scheduler loop.
type State int32

const (
	Idle State = iota
	Running
	Joining
	Deciding
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Joining:
		return "joining"
	case Deciding:
		return "deciding"
	default:
		return "idle"
	}
}

// Trigger asks for a cycle over Steps.
type Trigger struct {
	Steps  build.StepSet
	Paths  []string
	Reason string
}

// StepFailure is the error one step of a cycle returned.
type StepFailure struct {
	Step build.StepKind
	Err  error
}

// Outcome is the terminal state of one cycle.
type Outcome struct {
	Seq      uint64
	Result   string // events.OutcomeSuccess, OutcomeFailed or OutcomeSuperseded
	Reason   string
	Steps    build.StepSet
	Changed  build.ClassSet
	Failures []StepFailure
	// WriteErr is set when the store could not replace some outputs.
	WriteErr error
	Report   storage.Report
	// Reload is the message broadcast for the cycle, if any.
	Reload   *livereload.Message
	Reloaded int
	// ProcessErr is set when the served process could not be started.
	ProcessErr error
	StartedAt  time.Time
	Duration   time.Duration
}

// Err summarizes the failure of a failed cycle.
func (o Outcome) Err() error {
	if len(o.Failures) > 0 {
		return o.Failures[0].Err
	}
	return o.WriteErr
}

// FailedSteps names the steps that failed, in step order.
func (o Outcome) FailedSteps() []string {
	names := make([]string, len(o.Failures))
	for i, f := range o.Failures {
		names[i] = f.Step.String()
	}
	return names
}

// cycle is the loop's bookkeeping for one fork/join execution.
type cycle struct {
	seq     uint64
	steps   build.StepSet
	reason  string
	paths   []string
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	pending  int
	outputs  map[build.StepKind]build.Output
	failures map[build.StepKind]error
}

func (c *cycle) header(session string) events.Header {
	return events.Header{Session: session, Cycle: c.seq, At: time.Now()}
}

// orderedOutputs returns the collected outputs in step order so promotion
// does not depend on which step finished first.
func (c *cycle) orderedOutputs() []build.Output {
	out := make([]build.Output, 0, len(c.outputs))
	for _, k := range c.steps.Kinds() {
		if o, ok := c.outputs[k]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (c *cycle) orderedFailures() []StepFailure {
	out := make([]StepFailure, 0, len(c.failures))
	for _, k := range c.steps.Kinds() {
		if err, ok := c.failures[k]; ok {
			out = append(out, StepFailure{Step: k, Err: err})
		}
	}
	return out
}

type stepResult struct {
	seq      uint64
	kind     build.StepKind
	output   build.Output
	err      error
	duration time.Duration
}
