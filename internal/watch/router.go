package watch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"git.home.luguber.info/inful/devloop/internal/build"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// Trigger asks the scheduler to run a cycle over Steps.
type Trigger struct {
	Steps   build.StepSet
	Paths   []string
	Events  int
	FirstAt time.Time
	LastAt  time.Time
}

// RouterConfig tunes the coalescing window.
type RouterConfig struct {
	// QuietWindow is how long the feed must be silent before a trigger fires.
	QuietWindow time.Duration
	// MaxDelay caps how long a steady stream of changes can postpone a trigger.
	MaxDelay time.Duration
}

// Router coalesces change events into triggers. Each trigger carries the
// union of the steps matched by every event since the previous trigger.
// Events that match no step are dropped and never start a window.
//
// It is safe to run as a single goroutine.
type Router struct {
	classifier Classifier
	cfg        RouterConfig

	pending build.StepSet
	paths   map[string]struct{}
	count   int
	firstAt time.Time
	lastAt  time.Time
}

// NewRouter validates cfg and returns a router.
func NewRouter(classifier Classifier, cfg RouterConfig) (*Router, error) {
	if cfg.QuietWindow <= 0 {
		return nil, foundationerrors.ValidationError("quiet window must be > 0").Build()
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * cfg.QuietWindow
	}
	if cfg.MaxDelay < cfg.QuietWindow {
		return nil, foundationerrors.ValidationError("max delay must be >= quiet window").Build()
	}
	return &Router{classifier: classifier, cfg: cfg}, nil
}

// Run reads events from in and sends triggers to out until ctx is done or in
// is closed. A window still pending when in closes is flushed first.
func (r *Router) Run(ctx context.Context, in <-chan ChangeEvent, out chan<- Trigger) error {
	quietTimer := time.NewTimer(time.Hour)
	stopTimer(quietTimer)
	maxTimer := time.NewTimer(time.Hour)
	stopTimer(maxTimer)

	var quietC, maxC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				r.flush(ctx, out)
				return nil
			}
			steps := r.classifier.Classify(ev.Path)
			if steps.IsEmpty() {
				slog.Debug("Change matches no step", logfields.Path(ev.Path))
				continue
			}
			first := r.add(ev, steps)

			resetTimer(quietTimer, r.cfg.QuietWindow)
			quietC = quietTimer.C
			if first {
				resetTimer(maxTimer, r.cfg.MaxDelay)
				maxC = maxTimer.C
			}

		case <-quietC:
			r.flush(ctx, out)
			stopTimer(maxTimer)
			quietC, maxC = nil, nil

		case <-maxC:
			r.flush(ctx, out)
			stopTimer(quietTimer)
			quietC, maxC = nil, nil
		}
	}
}

// add records ev and reports whether it opened a new window.
func (r *Router) add(ev ChangeEvent, steps build.StepSet) bool {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	first := r.pending.IsEmpty()
	if first {
		r.paths = make(map[string]struct{})
		r.count = 0
		r.firstAt = at
	}
	r.pending = r.pending.Union(steps)
	r.paths[ev.Path] = struct{}{}
	r.count++
	r.lastAt = at
	return first
}

func (r *Router) flush(ctx context.Context, out chan<- Trigger) {
	if r.pending.IsEmpty() {
		return
	}
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	t := Trigger{Steps: r.pending, Paths: paths, Events: r.count, FirstAt: r.firstAt, LastAt: r.lastAt}

	r.pending = 0
	r.paths = nil
	r.count = 0

	slog.Debug("Routing change window", logfields.Steps(t.Steps.String()), slog.Int("events", t.Events))
	select {
	case out <- t:
	case <-ctx.Done():
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, after time.Duration) {
	stopTimer(t)
	t.Reset(after)
}
