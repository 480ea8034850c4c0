/*
scheduler.go - Automated period settlement

PURPOSE:
  Closes billing periods that have ended without an admin pressing
  "close". Each tick closes every elapsed period that has no ledger entry
  yet (oldest first), so a server that was down across a boundary catches
  up on its next run.

DESIGN:
  - robfig/cron drives the schedule (default daily at 00:05 UTC)
  - Overlapping runs are skipped; panics are recovered and logged
  - Runs once immediately on start
  - Closing is idempotent, so a run racing an admin close is harmless

USAGE:
  scheduler := NewSettlementScheduler(settle, "5 0 * * *", logger)
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop()

SEE ALSO:
  - handlers.go: CloseBillingPeriod / CatchUpPeriods (manual settlement)
  - settlement/service.go: CloseElapsedPeriods
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

// runTimeout bounds one catch-up run.
const runTimeout = 5 * time.Minute

// SettlementScheduler closes elapsed periods on a cron schedule.
type SettlementScheduler struct {
	Settlement *settlement.Service
	Schedule   string
	Enabled    bool

	// Now is the clock for deciding which periods have elapsed.
	Now func() time.Time

	cron    *cron.Cron
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewSettlementScheduler creates a scheduler. Call Start to run it.
func NewSettlementScheduler(settle *settlement.Service, schedule string, logger *zap.Logger) *SettlementScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	return &SettlementScheduler{
		Settlement: settle,
		Schedule:   schedule,
		Enabled:    true,
		Now:        func() time.Time { return time.Now().UTC() },
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Start registers the job, runs it once and starts the cron loop.
func (ss *SettlementScheduler) Start() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.logger.Info("disabled, not starting")
		return nil
	}
	if ss.started {
		return nil
	}

	if _, err := ss.cron.AddFunc(ss.Schedule, ss.tick); err != nil {
		return fmt.Errorf("invalid settlement schedule %q: %w", ss.Schedule, err)
	}

	// Catch up immediately rather than waiting for the first tick
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ss.tick()
	}()

	ss.cron.Start()
	ss.started = true
	ss.logger.Info("started", zap.String("schedule", ss.Schedule))
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (ss *SettlementScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.started {
		return
	}
	<-ss.cron.Stop().Done()
	ss.wg.Wait()
	ss.started = false
	ss.logger.Info("stopped")
}

func (ss *SettlementScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := ss.RunOnce(ctx); err != nil {
		ss.logger.Error("settlement run failed", zap.Error(err))
	}
}

// RunOnce closes every elapsed, unclosed period and returns how many it
// closed.
func (ss *SettlementScheduler) RunOnce(ctx context.Context) (int, error) {
	now := ss.Now()
	ss.logger.Debug("checking for elapsed periods", zap.Time("now", now))

	results, err := ss.Settlement.CloseElapsedPeriods(ctx, now)
	for _, res := range results {
		ss.logger.Info("period settled",
			zap.Int("period", res.Period.Number),
			zap.Bool("already_closed", res.AlreadyClosed),
			zap.Int("covered", len(res.Entry.CoveredInspectionIDs)),
			zap.Int("invoices_created", len(res.Created)))
	}
	if err != nil {
		return len(results), err
	}
	return len(results), nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
