package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/settld/settld/internal/metrics"
)

// Executor performs one payment for a due schedule. The daemon wires
// this to the fiat bridge.
type Executor interface {
	Execute(ctx context.Context, s *ScheduledPayment) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, s *ScheduledPayment) error

func (f ExecutorFunc) Execute(ctx context.Context, s *ScheduledPayment) error {
	return f(ctx, s)
}

// RunRecord summarizes one runner tick.
type RunRecord struct {
	StartedAt time.Time
	Duration  time.Duration
	Due       int
	Succeeded int
	Failed    int
}

// Config tunes the runner loop.
type Config struct {
	// Interval between due-schedule sweeps.
	Interval time.Duration
	// Concurrency bounds how many executions run at once.
	Concurrency int
	// MaxRetries is the number of failed executions tolerated before a
	// schedule is marked failed.
	MaxRetries int
	// BatchSize caps how many due schedules one tick loads.
	BatchSize int
	// HistorySize bounds the ring of retained run records.
	HistorySize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
}

// Runner executes due schedules on a fixed cadence. Overlapping ticks
// are skipped, not queued: if a tick is still working when the next
// fires, the late one is dropped.
type Runner struct {
	store    Store
	executor Executor
	cfg      Config
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	ticking  atomic.Bool

	mu      sync.Mutex
	history []RunRecord
	next    int
	filled  bool

	now func() time.Time
}

// NewRunner creates a schedule runner.
func NewRunner(store Store, executor Executor, cfg Config, logger *slog.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		history:  make([]RunRecord, cfg.HistorySize),
		now:      time.Now,
	}
}

// Running reports whether the runner loop is actively running.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start begins the execution loop. Call in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeTick(ctx)
		}
	}
}

// Stop signals the runner to stop.
func (r *Runner) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Runner) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in schedule runner", "panic", fmt.Sprint(rec))
		}
	}()
	r.Tick(ctx)
}

// Tick runs one execution pass. Re-entrant calls are dropped.
func (r *Runner) Tick(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		r.logger.Warn("previous schedule tick still running, skipping")
		return
	}
	defer r.ticking.Store(false)

	start := r.now()
	due, err := r.store.ListDue(ctx, start, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("listing due schedules failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var succeeded, failed atomic.Int64
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, sp := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(sp *ScheduledPayment) {
			defer wg.Done()
			defer func() { <-sem }()
			if r.executeOne(ctx, sp) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
		}(sp)
	}
	wg.Wait()

	duration := r.now().Sub(start)
	r.record(RunRecord{
		StartedAt: start,
		Duration:  duration,
		Due:       len(due),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	})
	metrics.SchedulerTickDuration.Observe(duration.Seconds())
	r.logger.Info("schedule tick finished",
		"due", len(due),
		"succeeded", succeeded.Load(),
		"failed", failed.Load(),
		"duration", duration.String())
}

func (r *Runner) executeOne(ctx context.Context, sp *ScheduledPayment) bool {
	err := r.executor.Execute(ctx, sp)
	now := r.now()

	if err != nil {
		sp.FailureCount++
		sp.LastFailure = err.Error()
		sp.UpdatedAt = now
		if sp.FailureCount >= r.cfg.MaxRetries {
			sp.Status = StatusFailed
			r.logger.Warn("scheduled payment failed permanently",
				"schedule_id", sp.ID, "failures", sp.FailureCount, "error", err)
		} else {
			r.logger.Warn("scheduled payment execution failed, will retry",
				"schedule_id", sp.ID, "failures", sp.FailureCount, "error", err)
		}
		if storeErr := r.store.Update(ctx, sp); storeErr != nil {
			r.logger.Error("recording schedule failure", "schedule_id", sp.ID, "error", storeErr)
		}
		metrics.ScheduledRunsTotal.WithLabelValues("failure").Inc()
		return false
	}

	sp.ExecutionCount++
	sp.LastExecution = &now
	sp.FailureCount = 0
	sp.LastFailure = ""
	sp.UpdatedAt = now

	done := sp.Frequency == FrequencyOnce ||
		(sp.MaxExecutions > 0 && sp.ExecutionCount >= sp.MaxExecutions)
	if done {
		sp.Status = StatusCompleted
	} else {
		sp.NextExecution = sp.Frequency.Next(sp.NextExecution)
	}

	if err := r.store.Update(ctx, sp); err != nil {
		r.logger.Error("recording schedule execution", "schedule_id", sp.ID, "error", err)
		metrics.ScheduledRunsTotal.WithLabelValues("failure").Inc()
		return false
	}
	metrics.ScheduledRunsTotal.WithLabelValues("success").Inc()
	r.logger.Info("scheduled payment executed",
		"schedule_id", sp.ID,
		"execution_count", sp.ExecutionCount,
		"status", sp.Status,
		"next_execution", sp.NextExecution)
	return true
}

// record appends to the bounded run history ring.
func (r *Runner) record(rec RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[r.next] = rec
	r.next = (r.next + 1) % len(r.history)
	if r.next == 0 {
		r.filled = true
	}
}

// RecentRuns returns retained run records, oldest first.
func (r *Runner) RecentRuns() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]RunRecord, r.next)
		copy(out, r.history[:r.next])
		return out
	}
	out := make([]RunRecord, 0, len(r.history))
	out = append(out, r.history[r.next:]...)
	out = append(out, r.history[:r.next]...)
	return out
}
