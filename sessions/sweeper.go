package sessions

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically reclaims idle sessions from a Registry. It is a
// cancellable ticker loop; the sweep body itself is Registry.SweepIdle, which
// tests invoke directly instead of waiting on wall-clock time.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	onExpired func(Expired)
	log       *slog.Logger
}

// NewSweeper wires a sweeper to a registry. onExpired is invoked once per
// reclaimed session, outside the registry lock; a nil callback is allowed.
func NewSweeper(registry *Registry, interval, threshold time.Duration, onExpired func(Expired), log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		onExpired: onExpired,
		log:       log,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. A failure
// handling one expired session never aborts the rest of the sweep.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper.start",
		slog.Duration("interval", s.interval),
		slog.Duration("threshold", s.threshold))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper.stop")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	for _, e := range s.registry.SweepIdle(s.threshold) {
		if s.onExpired == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("sweeper.notify.panic",
						slog.String("session_id", e.SessionID),
						slog.Any("panic", r))
				}
			}()
			s.onExpired(e)
		}()
	}
}
