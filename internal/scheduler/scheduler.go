package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"billing-core/pkg/logger"
)

// Scheduler runs Jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs
	log  *zap.Logger
}

func New(jobs *Jobs, log *zap.Logger) *Scheduler {
	log = logger.OrNop(log).Named("scheduler")
	cl := cronLogger{s: log.Sugar()}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs: jobs,
		log:  log,
	}
}

// Start registers the jobs with a non-empty schedule and starts the cron loop.
// An invalid schedule is returned before anything runs.
func (s *Scheduler) Start() error {
	cfg := s.jobs.cfg
	entries := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"pending_sweep", cfg.PendingSweepSchedule, func(ctx context.Context) error {
			_, _, err := s.jobs.SweepPending(ctx)
			return err
		}},
		{"unbilled_retry", cfg.UnbilledSchedule, func(ctx context.Context) error {
			_, err := s.jobs.RetryUnbilled(ctx)
			return err
		}},
		{"stale_call_report", cfg.StaleCallSchedule, func(ctx context.Context) error {
			_, err := s.jobs.ReportStale(ctx)
			return err
		}},
	}
	for _, e := range entries {
		if e.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, s.wrap(e.name, e.run)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", e.name, e.schedule, err)
		}
		s.log.Info("job scheduled", zap.String("job", e.name), zap.String("schedule", e.schedule))
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.jobs.cfg.JobTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.log.Error("job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
