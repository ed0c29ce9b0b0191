/*
scheduler.go - Automated period rollover

PURPOSE:
  Periodically pre-creates the current period's entry for every active
  authorization so the first write of a new week or month finds a zeroed
  entry already in place.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each tick calls Ledger.Sweep for "now"; the sweep is insert-if-absent,
    so overlapping manual runs and lazy rollover on writes are harmless
  - A failed tick is logged and retried on the next tick
  - Correctness never depends on the scheduler running; writes roll over
    lazily on their own

CONFIGURATION:
  - SWEEP_INTERVAL: How often to sweep (default: 1 hour)
  - SWEEP_ENABLED:  Whether the scheduler runs (default: true)

USAGE:
  scheduler := NewRolloverScheduler(l, interval, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRollover endpoint (manual sweep)
  - ledger/rollover.go: Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/unit-ledger/ledger"
)

// Sweeper is the slice of the ledger the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context, at time.Time) (ledger.SweepResult, error)
}

// RolloverScheduler runs the rollover sweep on a ticker.
type RolloverScheduler struct {
	Ledger   Sweeper
	Interval time.Duration
	Enabled  bool

	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   int
}

// NewRolloverScheduler creates an enabled scheduler.
func NewRolloverScheduler(l Sweeper, interval time.Duration, log zerolog.Logger) *RolloverScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RolloverScheduler{
		Ledger:   l,
		Interval: interval,
		Enabled:  true,
		log:      log.With().Str("component", "rollover_scheduler").Logger(),
	}
}

// Start begins sweeping until Stop is called or ctx is done. Calling Start
// on a running scheduler does nothing.
func (rs *RolloverScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("disabled, not starting")
		return
	}
	if rs.cancel != nil {
		return
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.log.Info().Dur("interval", rs.Interval).Msg("started")
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (rs *RolloverScheduler) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	rs.wg.Wait()
	rs.log.Info().Msg("stopped")
}

// Runs reports how many sweeps have completed.
func (rs *RolloverScheduler) Runs() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runs
}

func (rs *RolloverScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.Interval)
	defer ticker.Stop()

	// Run immediately on start
	rs.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep for the current time.
func (rs *RolloverScheduler) RunOnce(ctx context.Context) (ledger.SweepResult, error) {
	start := time.Now()
	res, err := rs.Ledger.Sweep(ctx, time.Time{})

	rs.mu.Lock()
	rs.runs++
	rs.mu.Unlock()

	evt := rs.log.Info()
	if err != nil {
		evt = rs.log.Error().Err(err)
	}
	evt.
		Str("period_date", res.PeriodDate.String()).
		Int("authorizations", res.Authorizations).
		Int("created", res.Created).
		Int("failed", res.Failed).
		Dur("took", time.Since(start)).
		Msg("rollover sweep")
	return res, err
}
