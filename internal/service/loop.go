// Package service restarts device sessions until shutdown.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/fault"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/timeutil"
)

// DefaultRestartDelay spaces out reconnect attempts against an absent
// device.
const DefaultRestartDelay = 2 * time.Second

// Runner is one device session.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the next session. It is called once per attempt so that
// configuration changes apply from the next session on. A factory error is
// treated like a faulted session unless fault.IsFatal reports it.
type Factory func(attempt int) (Runner, error)

// Loop reruns sessions after each fault.
type Loop struct {
	NewSession   Factory
	RestartDelay time.Duration
	Clock        timeutil.Clock
	Logger       *zerolog.Logger

	// OnRestart, if set, is called before waiting out RestartDelay.
	OnRestart func(attempt int, cause error)
}

// Run blocks until ctx is done and returns nil. A session that exits for
// any reason other than shutdown is followed, after RestartDelay, by a new
// one. A fatal error ends Run at once and is returned.
func (l *Loop) Run(ctx context.Context) error {
	clock := l.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	delay := l.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	log := monitoring.Component("service")
	if l.Logger != nil {
		log = *l.Logger
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			log.Info().Msg("service loop stopped")
			return nil
		}

		err := l.runOnce(ctx, attempt)
		if ctx.Err() != nil {
			log.Info().Int("attempt", attempt).Msg("service loop stopped")
			return nil
		}
		if fault.IsFatal(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("service loop aborted")
			return err
		}

		log.Warn().Err(err).
			Int("attempt", attempt).
			Stringer("kind", fault.KindOf(err)).
			Dur("delay", delay).
			Msg("session ended, restarting")
		if l.OnRestart != nil {
			l.OnRestart(attempt, err)
		}
		select {
		case <-clock.After(delay):
		case <-ctx.Done():
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, attempt int) error {
	r, err := l.NewSession(attempt)
	if err != nil {
		return err
	}
	if err := r.Run(ctx); err != nil {
		return err
	}
	return errors.New("session returned without error")
}
