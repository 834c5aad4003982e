package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

const sweepTimeout = 30 * time.Second

// Sweeper periodically removes expired bindings from a Store.
type Sweeper struct {
	store    Store
	schedule string
	logger   *slog.Logger
	onPurge  func(n int)
	cron     *cron.Cron
}

// NewSweeper validates schedule (standard five-field cron or a descriptor
// such as "@every 1m") and returns a stopped Sweeper.
func NewSweeper(store Store, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithParser(parser)),
	}, nil
}

// OnPurge registers a callback invoked after every sweep that removed
// at least one binding.
func (s *Sweeper) OnPurge(fn func(n int)) *Sweeper {
	s.onPurge = fn
	return s
}

// Start schedules the sweep and returns immediately. The schedule stops when
// ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("credential sweeper started", slog.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := s.store.PurgeExpired(sweepCtx)
	if err != nil {
		s.logger.Error("credential sweep failed", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		s.logger.Info("expired credentials purged", slog.Int("count", n))
		if s.onPurge != nil {
			s.onPurge(n)
		}
	}
	return n
}
