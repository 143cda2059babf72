package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"billing-core/internal/calls"
	"billing-core/internal/pending"
	"billing-core/pkg/logger"
)

// PendingSweeper removes abandoned pending operations.
type PendingSweeper interface {
	SweepAbandoned(ctx context.Context, ttl time.Duration, txs pending.TransactionFinder) (deleted, completed int, err error)
}

// CallMaintainer recovers unbilled calls and reports unsettled ones.
type CallMaintainer interface {
	RetryUnbilled(ctx context.Context, limit int) (int, error)
	ReportStale(ctx context.Context, olderThan time.Duration, limit int) ([]calls.CallRecord, error)
}

type Config struct {
	PendingSweepSchedule string
	UnbilledSchedule     string
	StaleCallSchedule    string
	PendingTTL           time.Duration
	StaleCallAfter       time.Duration
	// BatchSize bounds the records one run touches.
	BatchSize int
	// JobTimeout bounds one run of one job.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PendingTTL <= 0 {
		c.PendingTTL = 72 * time.Hour
	}
	if c.StaleCallAfter <= 0 {
		c.StaleCallAfter = 2 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	return c
}

// Jobs are the background maintenance tasks. Each is safe to run concurrently
// with request traffic and with itself.
type Jobs struct {
	pending PendingSweeper
	txs     pending.TransactionFinder
	calls   CallMaintainer
	cfg     Config
	log     *zap.Logger
}

func NewJobs(sweeper PendingSweeper, txs pending.TransactionFinder, callsMaint CallMaintainer, cfg Config, log *zap.Logger) *Jobs {
	return &Jobs{
		pending: sweeper,
		txs:     txs,
		calls:   callsMaint,
		cfg:     cfg.withDefaults(),
		log:     logger.OrNop(log).Named("jobs"),
	}
}

// RunReport is the outcome of RunOnce.
type RunReport struct {
	PendingDeleted   int `json:"pendingDeleted"`
	PendingCompleted int `json:"pendingCompleted"`
	CallsBilled      int `json:"callsBilled"`
	StaleCalls       int `json:"staleCalls"`
}

func (j *Jobs) SweepPending(ctx context.Context) (deleted, completed int, err error) {
	return j.pending.SweepAbandoned(ctx, j.cfg.PendingTTL, j.txs)
}

func (j *Jobs) RetryUnbilled(ctx context.Context) (int, error) {
	return j.calls.RetryUnbilled(ctx, j.cfg.BatchSize)
}

func (j *Jobs) ReportStale(ctx context.Context) (int, error) {
	recs, err := j.calls.ReportStale(ctx, j.cfg.StaleCallAfter, j.cfg.BatchSize)
	return len(recs), err
}

// RunOnce runs every job once. A failing job does not stop the others.
func (j *Jobs) RunOnce(ctx context.Context) (RunReport, error) {
	var (
		rep  RunReport
		errs []error
		err  error
	)
	if rep.PendingDeleted, rep.PendingCompleted, err = j.SweepPending(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending sweep: %w", err))
	}
	if rep.CallsBilled, err = j.RetryUnbilled(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unbilled retry: %w", err))
	}
	if rep.StaleCalls, err = j.ReportStale(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stale report: %w", err))
	}
	j.log.Info("maintenance run finished",
		zap.Int("pending_deleted", rep.PendingDeleted),
		zap.Int("pending_completed", rep.PendingCompleted),
		zap.Int("calls_billed", rep.CallsBilled),
		zap.Int("stale_calls", rep.StaleCalls))
	return rep, errors.Join(errs...)
}
