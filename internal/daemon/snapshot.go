package daemon

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/logfields"
)

// fingerprintSaver persists the fingerprint table.
type fingerprintSaver interface {
	SaveFingerprints() error
}

// snapshotter wraps a gocron scheduler that periodically writes the
// fingerprint side-file.
type snapshotter struct {
	scheduler gocron.Scheduler
	store     fingerprintSaver
}

func newSnapshotter(store fingerprintSaver, interval time.Duration) (*snapshotter, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryInternal, "failed to create gocron scheduler").Build()
	}
	snap := &snapshotter{scheduler: s, store: store}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(snap.save),
		gocron.WithName("fingerprint-snapshot"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryInternal, "failed to create snapshot job").
			WithContext("interval", interval.String()).
			Build()
	}
	return snap, nil
}

func (s *snapshotter) save() {
	if err := s.store.SaveFingerprints(); err != nil {
		slog.Warn("Fingerprint snapshot failed", logfields.Error(err))
		return
	}
	slog.Debug("Fingerprint snapshot written")
}

func (s *snapshotter) start() { s.scheduler.Start() }

func (s *snapshotter) stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		slog.Warn("Snapshot scheduler shutdown failed", logfields.Error(err))
	}
}
