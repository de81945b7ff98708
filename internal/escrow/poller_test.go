package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/settld/settld/internal/chain"
	"github.com/settld/settld/internal/notify"
)

func testPoller(t *testing.T, maxRetries int) (*Poller, *Manager, *MemoryStore, *chain.MemoryReader, *notify.MemoryNotifier) {
	t.Helper()
	store := NewMemoryStore()
	notifier := &notify.MemoryNotifier{}
	reader := chain.NewMemoryReader()
	m := NewManager(store, NewMemoryDisputeStore(), notifier, nil, testLogger())
	p := NewPoller(m, reader, time.Second, maxRetries, testLogger())
	return p, m, store, reader, notifier
}

// Walks a trade front to back: funding confirmation moves the escrow to
// funded with the transfer hash recorded and both parties told exactly
// once, then a buyer-approved release settles it.
func TestFundThenReleaseFlow(t *testing.T) {
	p, m, store, reader, notifier := testPoller(t, 3)
	ctx := context.Background()
	e := createEscrow(t, m)

	req, err := m.RequestFunding(ctx, e.ID)
	if err != nil {
		t.Fatalf("RequestFunding failed: %v", err)
	}
	if !req.Amount.Equal(amt("100")) || req.Currency != "USDC" {
		t.Fatalf("payment request = %s %s, want 100 USDC", req.Amount, req.Currency)
	}

	reader.Confirm(req.Reference, chain.Confirmation{
		Signature:   "0xfund",
		From:        "0xBuyerWallet",
		Amount:      amt("100"),
		BlockNumber: 1042,
	})
	p.Tick(ctx)

	funded, _ := store.Get(ctx, e.ID)
	if funded.Status != StatusFunded {
		t.Fatalf("status = %s, want funded", funded.Status)
	}
	if funded.Signature != "0xfund" {
		t.Errorf("signature = %q, want 0xfund", funded.Signature)
	}
	if funded.FundedAt == nil {
		t.Error("funded escrow must record its funding time")
	}
	if n := len(notifier.SentTo("buyer")); n != 1 {
		t.Errorf("buyer notified %d times after funding, want 1", n)
	}
	if n := len(notifier.SentTo("seller")); n != 1 {
		t.Errorf("seller notified %d times after funding, want 1", n)
	}

	// Re-running the tick with the confirmation still visible must not
	// double-apply or re-notify.
	p.Tick(ctx)
	if n := len(notifier.SentTo("buyer")); n != 1 {
		t.Errorf("buyer notified %d times after second tick, want 1", n)
	}

	rel, err := m.RequestRelease(ctx, e.ID, "buyer")
	if err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}
	reader.Confirm(rel.Reference, chain.Confirmation{Signature: "0xrelease", BlockNumber: 1055})
	p.Tick(ctx)

	released, _ := store.Get(ctx, e.ID)
	if released.Status != StatusReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
	if released.Signature != "0xrelease" {
		t.Errorf("signature = %q, want 0xrelease", released.Signature)
	}
	if n := len(notifier.SentTo("seller")); n != 2 {
		t.Errorf("seller notified %d times overall, want 2", n)
	}
}

func TestFundingAbandonedCancelsEscrow(t *testing.T) {
	p, m, store, _, notifier := testPoller(t, 2)
	ctx := context.Background()
	e := createEscrow(t, m)

	if _, err := m.RequestFunding(ctx, e.ID); err != nil {
		t.Fatalf("RequestFunding failed: %v", err)
	}

	p.Tick(ctx) // retry 1
	mid, _ := store.Get(ctx, e.ID)
	if mid.Status != StatusCreated {
		t.Fatalf("status after first miss = %s, want created", mid.Status)
	}

	p.Tick(ctx) // retry 2 hits the cap

	final, _ := store.Get(ctx, e.ID)
	if final.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", final.Status)
	}
	if len(m.pendingSnapshot()) != 0 {
		t.Error("abandoned operation must leave the pending set")
	}
	if n := len(notifier.SentTo("buyer")); n != 1 {
		t.Errorf("buyer notified %d times, want 1", n)
	}
}

func TestReleaseAbandonedKeepsEscrowFunded(t *testing.T) {
	p, m, store, _, notifier := testPoller(t, 1)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	if _, err := m.RequestRelease(ctx, e.ID, "buyer"); err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}
	p.Tick(ctx)

	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusFunded {
		t.Errorf("status = %s, want funded (release failure must not cancel)", stored.Status)
	}
	if n := len(notifier.SentTo("buyer")); n != 1 {
		t.Errorf("requesting party notified %d times, want 1", n)
	}

	// The buyer may retry after the failure.
	if _, err := m.RequestRelease(ctx, e.ID, "buyer"); err != nil {
		t.Errorf("retry after abandoned release failed: %v", err)
	}
}

func TestExpirySweep(t *testing.T) {
	p, m, store, _, _ := testPoller(t, 3)
	ctx := context.Background()
	e := createEscrow(t, m)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	p.Tick(ctx)

	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
}

func TestDisputeResolutionTriggersRefund(t *testing.T) {
	p, m, store, reader, _ := testPoller(t, 3)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	d, err := m.OpenDispute(ctx, e.ID, "buyer", "item never arrived")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if _, err := m.ResolveDispute(ctx, d.ID, ResolvedBuyer, "seller unresponsive"); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	pending := m.pendingSnapshot()
	if len(pending) != 1 || pending[0].Op != OpRefund {
		t.Fatalf("expected one pending refund, got %+v", pending)
	}

	reader.Confirm(pending[0].Reference, chain.Confirmation{Signature: "0xrefund"})
	p.Tick(ctx)

	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", stored.Status)
	}
	if stored.Signature != "0xrefund" {
		t.Errorf("signature = %q, want 0xrefund", stored.Signature)
	}
}

// An abandoned post-resolution settlement must stay retryable: the
// arbiter's decision stands, so a party can request the payout again.
func TestAbandonedResolutionSettlementCanBeRetried(t *testing.T) {
	p, m, store, reader, _ := testPoller(t, 2)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	d, err := m.OpenDispute(ctx, e.ID, "buyer", "item never arrived")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if _, err := m.ResolveDispute(ctx, d.ID, ResolvedSeller, "delivery proven"); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	// The release never confirms and is abandoned after max retries.
	p.Tick(ctx)
	p.Tick(ctx)
	if pending := m.pendingSnapshot(); len(pending) != 0 {
		t.Fatalf("expected pending release to be abandoned, got %+v", pending)
	}
	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed after abandonment", stored.Status)
	}

	// Either party may restart the settlement the arbiter decided on.
	req, err := m.RequestRelease(ctx, e.ID, "seller")
	if err != nil {
		t.Fatalf("RequestRelease retry failed: %v", err)
	}
	if _, err := m.RequestRefund(ctx, e.ID, "seller"); err == nil {
		t.Fatal("refund must be rejected, dispute was resolved for the seller")
	}

	reader.Confirm(req.Reference, chain.Confirmation{Signature: "0xretry"})
	p.Tick(ctx)

	stored, _ = store.Get(ctx, e.ID)
	if stored.Status != StatusReleased {
		t.Errorf("status = %s, want released", stored.Status)
	}
	if stored.Signature != "0xretry" {
		t.Errorf("signature = %q, want 0xretry", stored.Signature)
	}
}

type captureRecorder struct {
	settlements []Settlement
}

func (c *captureRecorder) RecordSettlement(_ context.Context, s Settlement) error {
	c.settlements = append(c.settlements, s)
	return nil
}

func TestConfirmationRecordsSettlement(t *testing.T) {
	store := NewMemoryStore()
	recorder := &captureRecorder{}
	m := NewManager(store, NewMemoryDisputeStore(), &notify.MemoryNotifier{}, recorder, testLogger())
	reader := chain.NewMemoryReader()
	p := NewPoller(m, reader, time.Second, 3, testLogger())
	ctx := context.Background()
	e := createEscrow(t, m)

	req, err := m.RequestFunding(ctx, e.ID)
	if err != nil {
		t.Fatalf("RequestFunding failed: %v", err)
	}
	reader.Confirm(req.Reference, chain.Confirmation{Signature: "0xabc"})
	p.Tick(ctx)

	if len(recorder.settlements) != 1 {
		t.Fatalf("settlements = %d, want 1", len(recorder.settlements))
	}
	s := recorder.settlements[0]
	if s.Op != OpFund || s.Signature != "0xabc" || s.FromID != "buyer" || s.ToID != "seller" {
		t.Errorf("unexpected settlement: %+v", s)
	}
	if !s.Amount.Equal(amt("100")) {
		t.Errorf("settlement amount = %s, want 100", s.Amount)
	}
}

func TestPollerStartStop(t *testing.T) {
	p, _, _, _, _ := testPoller(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return p.Running() })
	p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	if p.Running() {
		t.Error("Running() must report false after stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
