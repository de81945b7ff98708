package escrow

import (
	"context"
	"fmt"

	"github.com/settld/settld/internal/chain"
	"github.com/settld/settld/internal/metrics"
)

// applyConfirmation transitions an escrow after an on-chain transfer
// matching a pending operation's reference has been observed. The
// pending entry is dropped first so a second sighting of the same
// confirmation is a no-op.
func (m *Manager) applyConfirmation(ctx context.Context, p *PendingConfirmation, c chain.Confirmation) error {
	unlock := m.locks.Lock(p.EscrowID)
	defer unlock()

	m.pendingMu.Lock()
	if _, ok := m.pending[p.Reference]; !ok {
		m.pendingMu.Unlock()
		return nil // already handled
	}
	delete(m.pending, p.Reference)
	metrics.PendingConfirmations.Set(float64(len(m.pending)))
	m.pendingMu.Unlock()

	e, err := m.store.Get(ctx, p.EscrowID)
	if err != nil {
		return err
	}

	var next Status
	switch p.Op {
	case OpFund:
		next = StatusFunded
	case OpRelease:
		next = StatusReleased
	case OpRefund:
		next = StatusRefunded
	default:
		return fmt.Errorf("unknown pending op %q for escrow %s", p.Op, p.EscrowID)
	}
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("%w: cannot move %s from %s to %s", ErrInvalidStatus, e.ID, e.Status, next)
	}

	now := m.now()
	e.Status = next
	e.Signature = c.Signature
	e.UpdatedAt = now
	if p.Op == OpFund {
		e.FundedAt = &now
	}
	if err := m.store.Update(ctx, e); err != nil {
		return fmt.Errorf("updating escrow %s: %w", e.ID, err)
	}
	metrics.EscrowsTotal.WithLabelValues(string(next)).Inc()

	if m.recorder != nil {
		s := Settlement{
			EscrowID:  e.ID,
			Op:        p.Op,
			Amount:    e.Amount,
			Currency:  e.Currency,
			Signature: c.Signature,
		}
		switch p.Op {
		case OpFund, OpRelease:
			s.FromID, s.ToID = e.BuyerID, e.SellerID
		case OpRefund:
			s.FromID, s.ToID = e.SellerID, e.BuyerID
		}
		if err := m.recorder.RecordSettlement(ctx, s); err != nil {
			m.logger.Warn("settlement record failed", "escrow_id", e.ID, "op", p.Op, "error", err)
		}
	}

	msg := map[Op]string{
		OpFund:    "Escrow %s has been funded.",
		OpRelease: "Escrow %s has been released to the seller.",
		OpRefund:  "Escrow %s has been refunded to the buyer.",
	}[p.Op]
	meta := map[string]string{"escrow_id": e.ID, "signature": c.Signature}
	m.notify(ctx, e.BuyerID, fmt.Sprintf(msg, e.ID), meta)
	m.notify(ctx, e.SellerID, fmt.Sprintf(msg, e.ID), meta)

	m.logger.Info("escrow confirmation applied",
		"escrow_id", e.ID,
		"op", p.Op,
		"status", e.Status,
		"signature", c.Signature,
		"block", c.BlockNumber)
	return nil
}

// abandonPending gives up on an operation that never confirmed. A
// failed funding reverts the escrow to CANCELED since no money moved; a
// failed release or refund leaves the escrow untouched and surfaces the
// problem to the requesting party for a manual retry.
func (m *Manager) abandonPending(ctx context.Context, p *PendingConfirmation) {
	m.dropPending(p.Reference)

	unlock := m.locks.Lock(p.EscrowID)
	defer unlock()

	e, err := m.store.Get(ctx, p.EscrowID)
	if err != nil {
		m.logger.Error("abandoning pending op: escrow lookup failed", "escrow_id", p.EscrowID, "error", err)
		return
	}

	if p.Op == OpFund {
		if e.Status == StatusCreated {
			e.Status = StatusCanceled
			e.UpdatedAt = m.now()
			if err := m.store.Update(ctx, e); err != nil {
				m.logger.Error("canceling unfunded escrow failed", "escrow_id", e.ID, "error", err)
				return
			}
			metrics.EscrowsTotal.WithLabelValues(string(StatusCanceled)).Inc()
		}
		m.notify(ctx, p.UserID, fmt.Sprintf("Funding for escrow %s was not confirmed in time and the escrow was canceled.", e.ID), map[string]string{"escrow_id": e.ID})
		m.logger.Warn("funding abandoned, escrow canceled", "escrow_id", e.ID, "reference", p.Reference)
		return
	}

	m.notify(ctx, p.UserID, fmt.Sprintf("The %s for escrow %s could not be confirmed. Please retry the request.", p.Op, e.ID), map[string]string{"escrow_id": e.ID})
	m.logger.Warn("confirmation abandoned, manual retry required",
		"escrow_id", e.ID, "op", p.Op, "reference", p.Reference)
}

// expireStale moves CREATED escrows past their funding deadline to
// EXPIRED. Returns the number expired.
func (m *Manager) expireStale(ctx context.Context, limit int) int {
	stale, err := m.store.ListExpired(ctx, m.now(), limit)
	if err != nil {
		m.logger.Error("listing expired escrows failed", "error", err)
		return 0
	}
	expired := 0
	for _, e := range stale {
		unlock := m.locks.Lock(e.ID)
		cur, err := m.store.Get(ctx, e.ID)
		if err != nil || cur.Status != StatusCreated {
			unlock()
			continue
		}
		cur.Status = StatusExpired
		cur.UpdatedAt = m.now()
		if err := m.store.Update(ctx, cur); err != nil {
			m.logger.Error("expiring escrow failed", "escrow_id", cur.ID, "error", err)
			unlock()
			continue
		}
		unlock()
		m.dropPendingFor(cur.ID)
		metrics.EscrowsTotal.WithLabelValues(string(StatusExpired)).Inc()
		m.notify(ctx, cur.BuyerID, fmt.Sprintf("Escrow %s expired before it was funded.", cur.ID), map[string]string{"escrow_id": cur.ID})
		m.logger.Info("escrow expired", "escrow_id", cur.ID)
		expired++
	}
	return expired
}
