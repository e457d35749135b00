// Package scheduler runs build cycles: it forks the steps a trigger asks for,
// joins their results and decides what the cycle changes. A newer trigger
// supersedes the running cycle; a superseded cycle's results are never acted
// upon.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/devloop/internal/build"
	"git.home.luguber.info/inful/devloop/internal/events"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/livereload"
	"git.home.luguber.info/inful/devloop/internal/logfields"
	"git.home.luguber.info/inful/devloop/internal/metrics"
	"git.home.luguber.info/inful/devloop/internal/storage"
	"git.home.luguber.info/inful/devloop/internal/supervisor"
)

// Promoter applies step outputs to the served output tree.
type Promoter interface {
	Promote(outputs []build.Output) (storage.Report, error)
}

// ProcessSyncer restarts the served process when its binary changed.
type ProcessSyncer interface {
	Sync(ctx context.Context, changed build.ClassSet) (supervisor.Outcome, error)
}

// Broadcaster notifies browsers of a changed output tree.
type Broadcaster interface {
	Broadcast(changed build.ClassSet) (livereload.Message, int)
}

// Options wires a scheduler. Steps, Store and Layout are required.
type Options struct {
	Steps  map[build.StepKind]build.Step
	Store  Promoter
	Layout storage.Layout
	// Process and Reload are optional.
	Process ProcessSyncer
	Reload  Broadcaster
	// Bus receives the session events. Optional.
	Bus      *events.Bus
	Recorder metrics.Recorder
	Session  string
	// CancelSuperseded cancels the steps of a superseded cycle instead of
	// letting them run to completion.
	CancelSuperseded bool
}

// Scheduler owns the cycle state machine. All cycle bookkeeping happens on
// the goroutine running Run.
type Scheduler struct {
	opts    Options
	enabled build.StepSet

	requests chan Trigger
	results  chan stepResult
	stopped  chan struct{}
	wg       sync.WaitGroup

	// loop state
	seq     uint64
	current *cycle
	orphans map[uint64]*cycle

	state   atomic.Int32
	lastSeq atomic.Uint64
	mu      sync.Mutex
	last    *Outcome
}

// New validates opts and returns a scheduler. Call Run to start it.
func New(opts Options) (*Scheduler, error) {
	if len(opts.Steps) == 0 {
		return nil, foundationerrors.ValidationError("scheduler needs at least one step").Build()
	}
	if opts.Store == nil {
		return nil, foundationerrors.ValidationError("scheduler needs an output store").Build()
	}
	if opts.Layout.Root == "" {
		return nil, foundationerrors.ValidationError("scheduler needs an output layout").Build()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	return &Scheduler{
		opts:     opts,
		enabled:  build.EnabledSet(opts.Steps),
		requests: make(chan Trigger, 16),
		results:  make(chan stepResult, len(opts.Steps)),
		stopped:  make(chan struct{}),
		orphans:  make(map[uint64]*cycle),
	}, nil
}

// Enabled is the set of steps the scheduler can run.
func (s *Scheduler) Enabled() build.StepSet { return s.enabled }

// State is the current phase of the loop.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Current is the sequence number of the most recently started cycle.
func (s *Scheduler) Current() uint64 { return s.lastSeq.Load() }

// Last returns the outcome of the most recently finished cycle.
func (s *Scheduler) Last() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Outcome{}, false
	}
	return *s.last, true
}

// Submit queues a trigger. It blocks while the queue is full.
func (s *Scheduler) Submit(ctx context.Context, t Trigger) error {
	if t.Reason == "" {
		t.Reason = events.ReasonChange
	}
	select {
	case s.requests <- t:
		return nil
	case <-s.stopped:
		return foundationerrors.RuntimeError("scheduler stopped").Build()
	case <-ctx.Done():
		return foundationerrors.WrapError(ctx.Err(), foundationerrors.CategoryRuntime, "trigger not accepted").Build()
	}
}

// Rebuild queues a cycle over every enabled step.
func (s *Scheduler) Rebuild(ctx context.Context, reason string) error {
	return s.Submit(ctx, Trigger{Steps: s.enabled, Reason: reason})
}

// Run processes triggers until ctx is done. On return every running step
// has been cancelled and has reported back.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case t := <-s.requests:
			s.start(ctx, t)
		case r := <-s.results:
			s.collect(ctx, r)
		}
	}
}

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

func (s *Scheduler) start(ctx context.Context, t Trigger) {
	steps := t.Steps.Intersect(s.enabled)
	if steps.IsEmpty() {
		slog.Debug("Trigger names no enabled step", logfields.Steps(t.Steps.String()))
		return
	}

	s.seq++
	if s.current != nil {
		s.supersede(ctx, s.current, s.seq)
	}

	c := &cycle{
		seq:      s.seq,
		steps:    steps,
		reason:   t.Reason,
		paths:    t.Paths,
		started:  time.Now(),
		pending:  steps.Len(),
		outputs:  make(map[build.StepKind]build.Output, steps.Len()),
		failures: make(map[build.StepKind]error),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	s.current = c
	s.lastSeq.Store(c.seq)
	s.setState(Running)

	slog.Info("Cycle started",
		logfields.Session(s.opts.Session),
		logfields.Cycle(c.seq),
		logfields.Steps(steps.String()),
		slog.String("reason", c.reason),
		slog.Int("paths", len(c.paths)))
	s.publish(ctx, events.CycleStarted{Header: c.header(s.opts.Session), Steps: steps, Paths: c.paths, Reason: c.reason})

	for _, kind := range steps.Kinds() {
		s.fork(c, s.opts.Steps[kind])
	}
}

func (s *Scheduler) fork(c *cycle, step build.Step) {
	req := build.Request{Cycle: c.seq, Staging: s.opts.Layout.Staging(c.seq, step.Kind().String())}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		began := time.Now()
		out, err := runStep(c.ctx, step, req)
		s.results <- stepResult{seq: c.seq, kind: step.Kind(), output: out, err: err, duration: time.Since(began)}
	}()
}

func runStep(ctx context.Context, step build.Step, req build.Request) (out build.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = foundationerrors.InternalError("step panicked").
				WithStep(step.Kind().String()).
				WithContext("panic", fmt.Sprint(r)).
				Build()
		}
	}()
	return step.Run(ctx, req)
}

func (s *Scheduler) collect(ctx context.Context, r stepResult) {
	c := s.current
	if c == nil || c.seq != r.seq {
		s.discard(r)
		return
	}

	result := metrics.ResultSuccess
	if r.err != nil {
		result = metrics.ResultFailed
		c.failures[r.kind] = r.err
		slog.Error("Step failed", logfields.Cycle(c.seq), logfields.Step(r.kind.String()), logfields.Error(r.err))
		if ce, ok := foundationerrors.AsClassified(r.err); ok {
			if tail, ok := ce.Context().GetString("output"); ok && tail != "" {
				slog.Error("Step output", logfields.Step(r.kind.String()), slog.String("tail", tail))
			}
		}
	} else {
		c.outputs[r.kind] = r.output
		slog.Info("Step finished", logfields.Cycle(c.seq), logfields.Step(r.kind.String()), logfields.DurationMS(ms(r.duration)))
	}
	s.opts.Recorder.ObserveStepDuration(r.kind.String(), result, r.duration)
	s.publish(ctx, events.StepFinished{
		Header:   c.header(s.opts.Session),
		Step:     r.kind,
		StepName: r.kind.String(),
		Duration: r.duration,
		Error:    errString(r.err),
	})

	c.pending--
	if c.pending > 0 {
		s.setState(Joining)
		return
	}
	s.current = nil
	s.decide(ctx, c)
	s.setState(Idle)
}

// discard handles a result of a superseded cycle.
func (s *Scheduler) discard(r stepResult) {
	c, ok := s.orphans[r.seq]
	if !ok {
		return
	}
	slog.Debug("Discarding superseded step result", logfields.Cycle(r.seq), logfields.Step(r.kind.String()), slog.Bool("ok", r.err == nil))
	c.pending--
	if c.pending > 0 {
		return
	}
	delete(s.orphans, r.seq)
	c.cancel()
	s.removeStaging(c.seq)
}

func (s *Scheduler) supersede(ctx context.Context, c *cycle, by uint64) {
	if s.opts.CancelSuperseded {
		c.cancel()
	}
	s.orphans[c.seq] = c
	s.current = nil

	s.opts.Recorder.IncSupersededCycles()
	s.opts.Recorder.IncCycleOutcome(events.OutcomeSuperseded)
	slog.Info("Cycle superseded", logfields.Cycle(c.seq), slog.Uint64("by", by), slog.Int("pending_steps", c.pending))

	o := Outcome{Seq: c.seq, Result: events.OutcomeSuperseded, Reason: c.reason, Steps: c.steps, StartedAt: c.started, Duration: time.Since(c.started)}
	s.record(o)
	s.publish(ctx, events.CycleSuperseded{Header: c.header(s.opts.Session), By: by})
	s.publish(ctx, events.CycleFinished{
		Header:   c.header(s.opts.Session),
		Outcome:  o.Result,
		Steps:    o.Steps,
		Duration: o.Duration,
	})
}

// decide applies a joined cycle. A cycle with a failed step promotes
// nothing. Otherwise the outputs are promoted, then the served process is
// synced, then browsers are notified; a failed write or process start stops
// the chain.
func (s *Scheduler) decide(ctx context.Context, c *cycle) {
	s.setState(Deciding)
	defer s.removeStaging(c.seq)
	defer c.cancel()

	o := Outcome{Seq: c.seq, Reason: c.reason, Steps: c.steps, StartedAt: c.started}
	o.Failures = c.orderedFailures()

	if len(o.Failures) == 0 {
		report, err := s.opts.Store.Promote(c.orderedOutputs())
		o.Report = report
		o.Changed = report.Changed
		o.WriteErr = err
		s.recordWrites(report)
	}

	if len(o.Failures) > 0 || o.WriteErr != nil {
		o.Result = events.OutcomeFailed
		s.finish(ctx, c, o)
		return
	}
	o.Result = events.OutcomeSuccess

	if s.opts.Process != nil {
		po, err := s.opts.Process.Sync(ctx, o.Changed)
		switch {
		case err != nil:
			o.ProcessErr = err
			slog.Error("Server start failed", logfields.Cycle(c.seq), logfields.Error(err))
			s.publish(ctx, events.ProcessFailed{Header: c.header(s.opts.Session), Error: err.Error(), Binary: binaryOf(err)})
		case po.Started:
			s.publish(ctx, events.ProcessRestarted{Header: c.header(s.opts.Session), PID: po.PID, Binary: po.Binary, First: po.First})
		}
	}

	if s.opts.Reload != nil && o.ProcessErr == nil && !o.Changed.IsEmpty() {
		msg, n := s.opts.Reload.Broadcast(o.Changed)
		if msg.Type != "" {
			o.Reload = &msg
			o.Reloaded = n
			slog.Info("Reload sent", logfields.Cycle(c.seq), slog.String("type", msg.Type), logfields.Clients(n))
			s.publish(ctx, events.ReloadSent{Header: c.header(s.opts.Session), Kind: msg.Type, Href: msg.Href, Clients: n})
		}
	}
	s.finish(ctx, c, o)
}

func (s *Scheduler) finish(ctx context.Context, c *cycle, o Outcome) {
	o.Duration = time.Since(c.started)
	s.record(o)
	s.opts.Recorder.IncCycleOutcome(o.Result)
	s.opts.Recorder.ObserveCycleDuration(o.Duration)

	attrs := []any{
		logfields.Cycle(o.Seq),
		logfields.Outcome(o.Result),
		logfields.DurationMS(ms(o.Duration)),
	}
	if o.Result == events.OutcomeFailed {
		slog.Warn("Cycle failed; served output left as is", append(attrs, slog.Any("failed", o.FailedSteps()), logfields.Error(o.Err()))...)
	} else {
		slog.Info("Cycle finished", append(attrs,
			slog.String("changed", o.Changed.String()),
			slog.Int("writes", o.Report.Count(storage.Replaced)),
			slog.Int("removes", o.Report.Count(storage.Removed)))...)
	}

	ev := events.CycleFinished{
		Header:   c.header(s.opts.Session),
		Outcome:  o.Result,
		Steps:    o.Steps,
		Failed:   o.FailedSteps(),
		Changed:  o.Changed,
		Writes:   o.Report.Count(storage.Replaced),
		Removes:  o.Report.Count(storage.Removed),
		Duration: o.Duration,
		Error:    errString(o.Err()),
	}
	if ev.Error == "" && o.ProcessErr != nil {
		ev.Error = o.ProcessErr.Error()
	}
	s.publish(ctx, ev)
}

func (s *Scheduler) record(o Outcome) {
	s.mu.Lock()
	s.last = &o
	s.mu.Unlock()
}

func (s *Scheduler) recordWrites(r storage.Report) {
	s.opts.Recorder.AddOutputWrites(metrics.WriteReplaced, r.Count(storage.Replaced))
	s.opts.Recorder.AddOutputWrites(metrics.WriteRemoved, r.Count(storage.Removed))
	s.opts.Recorder.AddOutputWrites(metrics.WriteUnchanged, r.Count(storage.Unchanged))
	s.opts.Recorder.AddOutputWrites(metrics.WriteFailed, len(r.Failed))
}

func (s *Scheduler) removeStaging(seq uint64) {
	if err := os.RemoveAll(s.opts.Layout.CycleStaging(seq)); err != nil {
		slog.Warn("Failed to remove staging dir", logfields.Cycle(seq), logfields.Error(err))
	}
}

// drain cancels every running step and consumes results until all forked
// goroutines returned.
func (s *Scheduler) drain() {
	if s.current != nil {
		s.current.cancel()
		s.orphans[s.current.seq] = s.current
		s.current = nil
	}
	for _, c := range s.orphans {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case r := <-s.results:
			s.discard(r)
		case <-done:
			s.setState(Idle)
			return
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, evt any) {
	if s.opts.Bus == nil {
		return
	}
	if err := s.opts.Bus.Publish(ctx, evt); err != nil {
		slog.Debug("Event not published", slog.String("event", fmt.Sprintf("%T", evt)), logfields.Error(err))
	}
}

func binaryOf(err error) string {
	if ce, ok := foundationerrors.AsClassified(err); ok {
		if b, ok := ce.Context().GetString("binary"); ok {
			return b
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
