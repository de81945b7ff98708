// Package monitor reconciles in-flight fiat transactions against their
// payment processors. On-chain transactions are out of its reach: those
// settle through the escrow confirmation poller.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/settld/settld/internal/bridge"
	"github.com/settld/settld/internal/metrics"
	"github.com/settld/settld/internal/transaction"
)

const retriesKey = "monitor_retries"

// Config tunes the reconciliation loop.
type Config struct {
	// Interval between pending-transaction sweeps.
	Interval time.Duration
	// StaleInterval between stale-transaction sweeps; typically several
	// times Interval.
	StaleInterval time.Duration
	// StaleThreshold is how long a transaction may sit untouched in a
	// non-terminal state before the stale sweep picks it up.
	StaleThreshold time.Duration
	// MaxRetries is the number of failed status checks tolerated before
	// a transaction is marked failed.
	MaxRetries int
	// Concurrency bounds how many status checks run at once.
	Concurrency int
	// CallTimeout bounds each individual processor call.
	CallTimeout time.Duration
	// BatchSize caps how many transactions one sweep loads.
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleInterval <= 0 {
		c.StaleInterval = 10 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Monitor periodically repairs drift between the local transaction
// ledger and the external processors.
type Monitor struct {
	tracker *transaction.Tracker
	bridge  *bridge.Bridge
	cfg     Config
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool

	lastStale time.Time
}

// New creates a Monitor.
func New(tracker *transaction.Tracker, b *bridge.Bridge, cfg Config, logger *slog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		tracker: tracker,
		bridge:  b,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in transaction monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.Tick(ctx)
}

// Tick runs one reconciliation pass. The stale sweep piggybacks on the
// pending sweep but fires on its own, longer cadence.
func (m *Monitor) Tick(ctx context.Context) {
	start := time.Now()
	m.checkPending(ctx)
	if time.Since(m.lastStale) >= m.cfg.StaleInterval {
		m.lastStale = time.Now()
		m.checkStale(ctx)
	}
	metrics.MonitorTickDuration.Observe(time.Since(start).Seconds())
}

func (m *Monitor) checkPending(ctx context.Context) {
	pending, err := m.tracker.ListPending(ctx, m.cfg.BatchSize)
	if err != nil {
		m.logger.Error("listing pending transactions failed", "error", err)
		return
	}

	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, txn := range pending {
		if !m.checkable(txn) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(txn *transaction.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			m.checkOne(ctx, txn)
		}(txn)
	}
	wg.Wait()
}

// checkable reports whether the monitor owns this transaction: fiat
// rail, with an external payment to poll.
func (m *Monitor) checkable(txn *transaction.Transaction) bool {
	if txn.Type.OnChain() {
		return false
	}
	return txn.Processor != "" && txn.ProcessorTxID != ""
}

func (m *Monitor) checkOne(ctx context.Context, txn *transaction.Transaction) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	status, err := m.bridge.CheckFiatPaymentStatus(callCtx, txn.Processor, txn.ProcessorTxID)
	if err != nil {
		m.recordCheckFailure(ctx, txn, err)
		return
	}
	if status != txn.Status {
		metrics.MonitorRepairsTotal.WithLabelValues("repaired").Inc()
		m.logger.Info("transaction status repaired",
			"txn_id", txn.ID, "from", txn.Status, "to", status)
		return
	}
	metrics.MonitorRepairsTotal.WithLabelValues("unchanged").Inc()
}

// recordCheckFailure bumps the retry counter kept in transaction
// metadata; past the cap the transaction is marked failed so it stops
// burning processor calls.
func (m *Monitor) recordCheckFailure(ctx context.Context, txn *transaction.Transaction, checkErr error) {
	retries, _ := strconv.Atoi(txn.Metadata[retriesKey])
	retries++

	if retries >= m.cfg.MaxRetries {
		_, err := m.tracker.UpdateStatus(ctx, txn.ID, transaction.StatusFailed,
			fmt.Sprintf("status check failed %d times: %v", retries, checkErr),
			map[string]string{retriesKey: strconv.Itoa(retries)})
		if err != nil {
			m.logger.Error("marking transaction failed", "txn_id", txn.ID, "error", err)
			return
		}
		metrics.MonitorRepairsTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("transaction failed after repeated check errors",
			"txn_id", txn.ID, "retries", retries, "error", checkErr)
		return
	}

	_, err := m.tracker.UpdateStatus(ctx, txn.ID, txn.Status,
		fmt.Sprintf("status check error (attempt %d): %v", retries, checkErr),
		map[string]string{retriesKey: strconv.Itoa(retries)})
	if err != nil {
		m.logger.Error("recording check failure", "txn_id", txn.ID, "error", err)
		return
	}
	metrics.MonitorRepairsTotal.WithLabelValues("retried").Inc()
	m.logger.Warn("transaction status check failed",
		"txn_id", txn.ID, "retries", retries, "error", checkErr)
}

// checkStale hunts for transactions sitting untouched past the stale
// threshold. Each gets one final processor check; whatever cannot be
// settled lands in needs_review for a human.
func (m *Monitor) checkStale(ctx context.Context) {
	stale, err := m.tracker.ListStale(ctx, m.cfg.StaleThreshold, m.cfg.BatchSize)
	if err != nil {
		m.logger.Error("listing stale transactions failed", "error", err)
		return
	}

	for _, txn := range stale {
		stuckFor := time.Since(txn.UpdatedAt).Round(time.Second)

		if m.checkable(txn) {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			status, err := m.bridge.CheckFiatPaymentStatus(callCtx, txn.Processor, txn.ProcessorTxID)
			cancel()
			if err == nil && status.IsTerminal() {
				metrics.MonitorRepairsTotal.WithLabelValues("stale_settled").Inc()
				m.logger.Info("stale transaction settled on final check",
					"txn_id", txn.ID, "status", status)
				continue
			}
		}

		_, err := m.tracker.UpdateStatus(ctx, txn.ID, transaction.StatusNeedsReview,
			fmt.Sprintf("stuck for %s", stuckFor), nil)
		if err != nil {
			m.logger.Error("flagging stale transaction", "txn_id", txn.ID, "error", err)
			continue
		}
		metrics.MonitorRepairsTotal.WithLabelValues("needs_review").Inc()
		m.logger.Warn("stale transaction flagged for review",
			"txn_id", txn.ID, "stuck_for", stuckFor.String())
	}
}
