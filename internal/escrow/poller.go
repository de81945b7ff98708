package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/settld/settld/internal/chain"
)

// Poller watches the chain for confirmations of pending escrow
// operations and expires unfunded escrows past their deadline.
type Poller struct {
	manager    *Manager
	reader     chain.Reader
	interval   time.Duration
	maxRetries int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewPoller creates a confirmation poller.
func NewPoller(manager *Manager, reader chain.Reader, interval time.Duration, maxRetries int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Poller{
		manager:    manager,
		reader:     reader,
		interval:   interval,
		maxRetries: maxRetries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the poll loop is actively running.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

// Stop signals the poller to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in escrow poller", "panic", fmt.Sprint(r))
		}
	}()
	p.Tick(ctx)
}

// Tick runs one poll pass: check every pending operation against the
// chain, then sweep expired escrows. Exported so tests and operators
// can force a pass without waiting for the ticker.
func (p *Poller) Tick(ctx context.Context) {
	for _, pending := range p.manager.pendingSnapshot() {
		p.checkOne(ctx, pending)
	}
	p.manager.expireStale(ctx, 100)
}

func (p *Poller) checkOne(ctx context.Context, pending *PendingConfirmation) {
	confirmations, err := p.reader.ConfirmationsForReference(ctx, pending.Reference)
	if err != nil {
		p.logger.Warn("confirmation lookup failed",
			"escrow_id", pending.EscrowID,
			"reference", pending.Reference,
			"error", err)
		// RPC trouble is not a failed payment: no retry charged.
		return
	}

	if len(confirmations) > 0 {
		if err := p.manager.applyConfirmation(ctx, pending, confirmations[0]); err != nil {
			p.logger.Error("applying confirmation failed",
				"escrow_id", pending.EscrowID,
				"reference", pending.Reference,
				"error", err)
		}
		return
	}

	retries := p.manager.bumpRetries(pending.Reference)
	if retries >= p.maxRetries {
		p.manager.abandonPending(ctx, pending)
		return
	}
	p.logger.Debug("confirmation not yet observed",
		"escrow_id", pending.EscrowID,
		"reference", pending.Reference,
		"retries", retries)
}
