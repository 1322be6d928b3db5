// Package scheduler runs the monthly billing job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// runTimeout bounds a single billing run.
const runTimeout = 10 * time.Minute

// Scheduler issues next month's invoices on a cron schedule evaluated in the
// business timezone.
type Scheduler struct {
	cron     *cron.Cron
	manager  *gocycle.Manager
	logger   zerolog.Logger
	schedule string
}

// New creates a scheduler. The schedule uses the standard five-field cron format.
func New(manager *gocycle.Manager, schedule string, logger zerolog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(
		cron.WithLocation(manager.Calendar().Location()),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Scheduler{
		cron:     c,
		manager:  manager,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the billing job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runJob); err != nil {
		return fmt.Errorf("failed to schedule billing job: %w", err)
	}
	s.logger.Info().Str("schedule", s.schedule).Msg("scheduled billing job")
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once a running job finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce bills the month after the current business month.
func (s *Scheduler) RunOnce(ctx context.Context) (*gocycle.BillingRunResult, error) {
	current, _ := s.manager.Calendar().Today(s.manager.Now(ctx))
	return s.manager.RunBillingCycle(ctx, current.Next())
}

func (s *Scheduler) runJob() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	result, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("billing run failed")
		return
	}
	for id, failure := range result.Failed {
		s.logger.Warn().Err(failure).Str("subscription_id", id).Str("month", result.Month.String()).Msg("invoice not issued")
	}
	s.logger.Info().
		Str("month", result.Month.String()).
		Int("issued", len(result.Issued)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Msg("billing run complete")
}
