package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/idgen"
	"github.com/settld/settld/internal/metrics"
	"github.com/settld/settld/internal/notify"
	"github.com/settld/settld/internal/syncutil"
)

// SettlementRecorder receives a ledger entry when an escrow operation
// is confirmed on chain. Implementations typically append a transaction
// to the transaction tracker.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, s Settlement) error
}

// Settlement describes one confirmed escrow movement.
type Settlement struct {
	EscrowID  string
	Op        Op
	FromID    string
	ToID      string
	Amount    decimal.Decimal
	Currency  string
	Signature string
}

// Manager drives the escrow lifecycle. All status changes go through it
// so that transition rules and notifications stay in one place.
type Manager struct {
	store    Store
	disputes DisputeStore
	notifier notify.Notifier
	recorder SettlementRecorder // optional
	logger   *slog.Logger

	locks syncutil.KeyedMutex

	pendingMu sync.Mutex
	pending   map[string]*PendingConfirmation // keyed by reference

	newID func(prefix string) string
	now   func() time.Time
}

// NewManager creates a Manager. recorder may be nil when no ledger
// integration is wanted.
func NewManager(store Store, disputes DisputeStore, notifier notify.Notifier, recorder SettlementRecorder, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		disputes: disputes,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		pending:  make(map[string]*PendingConfirmation),
		newID:    idgen.WithPrefix,
		now:      time.Now,
	}
}

// CreateParams are the inputs for a new escrow.
type CreateParams struct {
	ListingID     string
	BuyerID       string
	SellerID      string
	Amount        decimal.Decimal
	Currency      string
	EscrowAddress string
	ReleaseTime   time.Time
	DisputeWindow time.Duration
}

// Create records a new escrow in CREATED state. The release time must
// be in the future; it doubles as the funding deadline.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	if p.BuyerID != "" && p.BuyerID == p.SellerID {
		return nil, ErrSameParty
	}
	now := m.now()
	if !p.ReleaseTime.After(now) {
		return nil, ErrReleaseTimePast
	}

	e := &Escrow{
		ID:            m.newID("esc_"),
		ListingID:     p.ListingID,
		BuyerID:       p.BuyerID,
		SellerID:      p.SellerID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        StatusCreated,
		EscrowAddress: p.EscrowAddress,
		ReleaseTime:   p.ReleaseTime,
		DisputeWindow: p.DisputeWindow,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("creating escrow: %w", err)
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()
	m.logger.Info("escrow created",
		"escrow_id", e.ID,
		"listing_id", e.ListingID,
		"amount", e.Amount.String(),
		"currency", e.Currency)
	return e.Clone(), nil
}

// Get returns an escrow by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Escrow, error) {
	return m.store.Get(ctx, id)
}

// GetDispute returns a dispute by ID.
func (m *Manager) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return m.disputes.Get(ctx, id)
}

// ListByParty returns escrows where userID is buyer or seller.
func (m *Manager) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	return m.store.ListByParty(ctx, userID, limit)
}

// RequestFunding returns the payment instructions a buyer follows to
// fund a CREATED escrow, and registers the reference for confirmation
// polling. Calling it again before confirmation returns the same
// reference rather than minting a new one.
func (m *Manager) RequestFunding(ctx context.Context, escrowID string) (*PaymentRequest, error) {
	unlock := m.locks.Lock(escrowID)
	defer unlock()

	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusCreated {
		return nil, fmt.Errorf("%w: funding requires created, escrow is %s", ErrInvalidStatus, e.Status)
	}

	ref := m.registerPending(escrowID, e.BuyerID, OpFund)
	m.logger.Info("funding requested", "escrow_id", escrowID, "reference", ref)
	return &PaymentRequest{
		Recipient: e.EscrowAddress,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Reference: ref,
	}, nil
}

// RequestRelease starts the payout to the seller. Only the buyer may
// approve a release, and only while the escrow is FUNDED with no open
// dispute. A DISPUTED escrow whose dispute was resolved in the seller's
// favor may be released again by either party when the first settlement
// never confirmed.
func (m *Manager) RequestRelease(ctx context.Context, escrowID, callerID string) (*PaymentRequest, error) {
	unlock := m.locks.Lock(escrowID)
	defer unlock()

	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusFunded:
		if callerID != e.BuyerID {
			return nil, fmt.Errorf("%w: only the buyer may release", ErrUnauthorized)
		}
		if err := m.ensureNotDisputed(ctx, escrowID); err != nil {
			return nil, err
		}
	case StatusDisputed:
		if err := m.ensureResolvedAs(ctx, e, callerID, ResolvedSeller); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: release requires funded, escrow is %s", ErrInvalidStatus, e.Status)
	}

	ref := m.registerPending(escrowID, callerID, OpRelease)
	m.logger.Info("release requested", "escrow_id", escrowID, "reference", ref)
	return &PaymentRequest{
		Recipient: e.EscrowAddress,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Reference: ref,
	}, nil
}

// RequestRefund starts the return of funds to the buyer. Only the
// seller may agree to a refund, and only while the escrow is FUNDED
// with no open dispute. A DISPUTED escrow whose dispute was resolved in
// the buyer's favor may be refunded again by either party when the
// first settlement never confirmed.
func (m *Manager) RequestRefund(ctx context.Context, escrowID, callerID string) (*PaymentRequest, error) {
	unlock := m.locks.Lock(escrowID)
	defer unlock()

	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusFunded:
		if callerID != e.SellerID {
			return nil, fmt.Errorf("%w: only the seller may refund", ErrUnauthorized)
		}
		if err := m.ensureNotDisputed(ctx, escrowID); err != nil {
			return nil, err
		}
	case StatusDisputed:
		if err := m.ensureResolvedAs(ctx, e, callerID, ResolvedBuyer); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: refund requires funded, escrow is %s", ErrInvalidStatus, e.Status)
	}

	ref := m.registerPending(escrowID, callerID, OpRefund)
	m.logger.Info("refund requested", "escrow_id", escrowID, "reference", ref)
	return &PaymentRequest{
		Recipient: e.EscrowAddress,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Reference: ref,
	}, nil
}

// Cancel voids a CREATED escrow before any funds have moved. Either
// party may cancel.
func (m *Manager) Cancel(ctx context.Context, escrowID, callerID string) error {
	unlock := m.locks.Lock(escrowID)
	defer unlock()

	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	if e.Status != StatusCreated {
		return fmt.Errorf("%w: cancel requires created, escrow is %s", ErrInvalidStatus, e.Status)
	}
	if callerID != e.BuyerID && callerID != e.SellerID {
		return fmt.Errorf("%w: caller is not a party to this escrow", ErrUnauthorized)
	}

	e.Status = StatusCanceled
	e.UpdatedAt = m.now()
	if err := m.store.Update(ctx, e); err != nil {
		return fmt.Errorf("canceling escrow: %w", err)
	}
	m.dropPendingFor(escrowID)
	metrics.EscrowsTotal.WithLabelValues(string(StatusCanceled)).Inc()
	m.logger.Info("escrow canceled", "escrow_id", escrowID, "caller_id", callerID)
	return nil
}

// OpenDispute freezes a FUNDED escrow. Only the buyer or seller may
// dispute, and only within the escrow's dispute window counted from the
// funding confirmation. The counterparty becomes the respondent; if the
// escrow has no counterparty recorded, the respondent stays empty.
func (m *Manager) OpenDispute(ctx context.Context, escrowID, initiatorID, reason string) (*Dispute, error) {
	unlock := m.locks.Lock(escrowID)
	defer unlock()

	e, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: dispute requires funded, escrow is %s", ErrInvalidStatus, e.Status)
	}
	if initiatorID != e.BuyerID && initiatorID != e.SellerID {
		return nil, fmt.Errorf("%w: caller is not a party to this escrow", ErrUnauthorized)
	}
	if e.DisputeWindow > 0 && e.FundedAt != nil {
		if m.now().After(e.FundedAt.Add(e.DisputeWindow)) {
			return nil, ErrDisputeWindow
		}
	}
	if existing, err := m.disputes.GetByEscrow(ctx, escrowID); err == nil && existing != nil {
		return nil, ErrDisputeExists
	}

	now := m.now()
	d := &Dispute{
		ID:           m.newID("dsp_"),
		EscrowID:     escrowID,
		InitiatorID:  initiatorID,
		RespondentID: e.OtherParty(initiatorID),
		Reason:       reason,
		Status:       DisputeOpen,
		CreatedAt:    now,
	}
	if err := m.disputes.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("creating dispute: %w", err)
	}

	e.Status = StatusDisputed
	e.UpdatedAt = now
	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("marking escrow disputed: %w", err)
	}
	m.dropPendingFor(escrowID)
	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()

	m.notify(ctx, d.InitiatorID, fmt.Sprintf("Your dispute on escrow %s has been opened.", escrowID), map[string]string{"escrow_id": escrowID, "dispute_id": d.ID})
	if d.RespondentID != "" {
		m.notify(ctx, d.RespondentID, fmt.Sprintf("A dispute has been opened against escrow %s.", escrowID), map[string]string{"escrow_id": escrowID, "dispute_id": d.ID})
	}
	m.logger.Info("dispute opened", "escrow_id", escrowID, "dispute_id", d.ID, "initiator_id", initiatorID)
	return d.Clone(), nil
}

// ReviewDispute marks an open dispute as picked up by an arbiter.
// Calling it on a dispute already under review is a no-op.
func (m *Manager) ReviewDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	d, err := m.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case DisputeResolved:
		return nil, ErrDisputeClosed
	case DisputeUnderReview:
		return d.Clone(), nil
	}

	d.Status = DisputeUnderReview
	if err := m.disputes.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("updating dispute: %w", err)
	}

	m.notify(ctx, d.InitiatorID, fmt.Sprintf("Dispute %s is now under review.", disputeID), map[string]string{"escrow_id": d.EscrowID, "dispute_id": disputeID})
	if d.RespondentID != "" {
		m.notify(ctx, d.RespondentID, fmt.Sprintf("Dispute %s is now under review.", disputeID), map[string]string{"escrow_id": d.EscrowID, "dispute_id": disputeID})
	}
	m.logger.Info("dispute under review", "escrow_id", d.EscrowID, "dispute_id", disputeID)
	return d.Clone(), nil
}

// ResolveDispute records an arbiter's decision and triggers exactly one
// settlement: a release for the seller, a refund for the buyer, or a
// closed escrow when the parties settled off-platform.
func (m *Manager) ResolveDispute(ctx context.Context, disputeID string, resolution Resolution, notes string) (*Dispute, error) {
	d, err := m.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeResolved {
		return nil, ErrDisputeClosed
	}

	unlock := m.locks.Lock(d.EscrowID)
	defer unlock()

	e, err := m.store.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: resolution requires disputed, escrow is %s", ErrInvalidStatus, e.Status)
	}

	now := m.now()
	switch resolution {
	case ResolvedSeller:
		ref := m.registerPending(d.EscrowID, e.SellerID, OpRelease)
		m.logger.Info("dispute resolved for seller, release pending",
			"escrow_id", d.EscrowID, "dispute_id", disputeID, "reference", ref)
	case ResolvedBuyer:
		ref := m.registerPending(d.EscrowID, e.BuyerID, OpRefund)
		m.logger.Info("dispute resolved for buyer, refund pending",
			"escrow_id", d.EscrowID, "dispute_id", disputeID, "reference", ref)
	case ResolvedSplit:
		e.Status = StatusClosed
		e.UpdatedAt = now
		if err := m.store.Update(ctx, e); err != nil {
			return nil, fmt.Errorf("closing escrow: %w", err)
		}
		metrics.EscrowsTotal.WithLabelValues(string(StatusClosed)).Inc()
		m.logger.Info("dispute resolved as split, escrow closed",
			"escrow_id", d.EscrowID, "dispute_id", disputeID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoResolution, resolution)
	}

	d.Status = DisputeResolved
	d.Resolution = resolution
	d.Notes = notes
	d.ResolvedAt = &now
	if err := m.disputes.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("updating dispute: %w", err)
	}

	m.notify(ctx, d.InitiatorID, fmt.Sprintf("Dispute %s has been resolved: %s.", disputeID, resolution), map[string]string{"escrow_id": d.EscrowID, "dispute_id": disputeID})
	if d.RespondentID != "" {
		m.notify(ctx, d.RespondentID, fmt.Sprintf("Dispute %s has been resolved: %s.", disputeID, resolution), map[string]string{"escrow_id": d.EscrowID, "dispute_id": disputeID})
	}
	return d.Clone(), nil
}

func (m *Manager) ensureNotDisputed(ctx context.Context, escrowID string) error {
	d, err := m.disputes.GetByEscrow(ctx, escrowID)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking dispute state: %w", err)
	}
	if d.Status != DisputeResolved {
		return ErrEscrowDisputed
	}
	return nil
}

// ensureResolvedAs permits retrying a settlement on a DISPUTED escrow
// when the arbiter already decided in favor of the requested outcome.
func (m *Manager) ensureResolvedAs(ctx context.Context, e *Escrow, callerID string, want Resolution) error {
	if callerID != e.BuyerID && callerID != e.SellerID {
		return fmt.Errorf("%w: caller is not a party to this escrow", ErrUnauthorized)
	}
	d, err := m.disputes.GetByEscrow(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("checking dispute state: %w", err)
	}
	if d.Status != DisputeResolved || d.Resolution != want {
		return ErrEscrowDisputed
	}
	return nil
}

// registerPending records an operation awaiting confirmation and
// returns its reference. An existing pending entry for the same escrow
// and op is reused so repeated requests stay idempotent.
func (m *Manager) registerPending(escrowID, userID string, op Op) string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for ref, p := range m.pending {
		if p.EscrowID == escrowID && p.Op == op {
			return ref
		}
	}
	ref := m.newID("ref_")
	m.pending[ref] = &PendingConfirmation{
		Reference: ref,
		EscrowID:  escrowID,
		UserID:    userID,
		Op:        op,
		CreatedAt: m.now(),
	}
	metrics.PendingConfirmations.Set(float64(len(m.pending)))
	return ref
}

func (m *Manager) dropPending(ref string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	delete(m.pending, ref)
	metrics.PendingConfirmations.Set(float64(len(m.pending)))
}

func (m *Manager) dropPendingFor(escrowID string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for ref, p := range m.pending {
		if p.EscrowID == escrowID {
			delete(m.pending, ref)
		}
	}
	metrics.PendingConfirmations.Set(float64(len(m.pending)))
}

// pendingSnapshot returns a copy of the pending set for polling.
func (m *Manager) pendingSnapshot() []*PendingConfirmation {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([]*PendingConfirmation, 0, len(m.pending))
	for _, p := range m.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) bumpRetries(ref string) int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p, ok := m.pending[ref]
	if !ok {
		return 0
	}
	p.Retries++
	p.LastChecked = m.now()
	return p.Retries
}

func (m *Manager) notify(ctx context.Context, userID, message string, metadata map[string]string) {
	if m.notifier == nil || userID == "" {
		return
	}
	if err := m.notifier.Notify(ctx, userID, message, metadata); err != nil {
		m.logger.Warn("notification failed", "user_id", userID, "error", err)
	}
}
