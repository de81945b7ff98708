package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/notify"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) (*Manager, *MemoryStore, *notify.MemoryNotifier) {
	t.Helper()
	store := NewMemoryStore()
	notifier := &notify.MemoryNotifier{}
	m := NewManager(store, NewMemoryDisputeStore(), notifier, nil, testLogger())
	return m, store, notifier
}

func createEscrow(t *testing.T, m *Manager) *Escrow {
	t.Helper()
	e, err := m.Create(context.Background(), CreateParams{
		ListingID:     "lst_1",
		BuyerID:       "buyer",
		SellerID:      "seller",
		Amount:        amt("100"),
		Currency:      "USDC",
		EscrowAddress: "0xEscrowVault",
		ReleaseTime:   time.Now().Add(24 * time.Hour),
		DisputeWindow: 48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	base := CreateParams{
		BuyerID:       "buyer",
		SellerID:      "seller",
		Amount:        amt("100"),
		Currency:      "USDC",
		EscrowAddress: "0xEscrowVault",
		ReleaseTime:   time.Now().Add(time.Hour),
	}

	p := base
	p.Amount = amt("0")
	if _, err := m.Create(ctx, p); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}

	p = base
	p.SellerID = "buyer"
	if _, err := m.Create(ctx, p); !errors.Is(err, ErrSameParty) {
		t.Errorf("same party: expected ErrSameParty, got %v", err)
	}

	p = base
	p.ReleaseTime = time.Now().Add(-time.Minute)
	if _, err := m.Create(ctx, p); !errors.Is(err, ErrReleaseTimePast) {
		t.Errorf("past release time: expected ErrReleaseTimePast, got %v", err)
	}
}

func TestCreateStartsCreated(t *testing.T) {
	m, store, _ := testManager(t)

	e := createEscrow(t, m)
	if e.Status != StatusCreated {
		t.Errorf("status = %s, want created", e.Status)
	}

	stored, err := store.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Signature != "" {
		t.Error("new escrow must not carry a signature")
	}
	if stored.FundedAt != nil {
		t.Error("new escrow must not carry a funding time")
	}
}

func TestRequestFundingIdempotentReference(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)

	first, err := m.RequestFunding(ctx, e.ID)
	if err != nil {
		t.Fatalf("RequestFunding failed: %v", err)
	}
	if first.Reference == "" {
		t.Fatal("funding request must carry a reference")
	}
	if first.Recipient != "0xEscrowVault" {
		t.Errorf("recipient = %s, want escrow address", first.Recipient)
	}

	second, err := m.RequestFunding(ctx, e.ID)
	if err != nil {
		t.Fatalf("second RequestFunding failed: %v", err)
	}
	if second.Reference != first.Reference {
		t.Errorf("repeated request minted a new reference: %s vs %s", second.Reference, first.Reference)
	}
}

func TestRequestFundingWrongStatus(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)

	stored, _ := store.Get(ctx, e.ID)
	stored.Status = StatusFunded
	if err := store.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := m.RequestFunding(ctx, e.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestReleaseAndRefundAuthorization(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)

	stored, _ := store.Get(ctx, e.ID)
	stored.Status = StatusFunded
	now := time.Now()
	stored.FundedAt = &now
	if err := store.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := m.RequestRelease(ctx, e.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller release: expected ErrUnauthorized, got %v", err)
	}
	if _, err := m.RequestRefund(ctx, e.ID, "buyer"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer refund: expected ErrUnauthorized, got %v", err)
	}

	if _, err := m.RequestRelease(ctx, e.ID, "buyer"); err != nil {
		t.Errorf("buyer release failed: %v", err)
	}
	if _, err := m.RequestRefund(ctx, e.ID, "seller"); err != nil {
		t.Errorf("seller refund failed: %v", err)
	}
}

func TestCancel(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)

	if err := m.Cancel(ctx, e.ID, "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger cancel: expected ErrUnauthorized, got %v", err)
	}

	if err := m.Cancel(ctx, e.ID, "buyer"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", stored.Status)
	}

	if err := m.Cancel(ctx, e.ID, "buyer"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second cancel: expected ErrInvalidStatus, got %v", err)
	}
}

func fundEscrow(t *testing.T, m *Manager, store *MemoryStore, id string) {
	t.Helper()
	stored, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stored.Status = StatusFunded
	now := time.Now()
	stored.FundedAt = &now
	if err := store.Update(context.Background(), stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestOpenDispute(t *testing.T) {
	m, store, notifier := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	if _, err := m.OpenDispute(ctx, e.ID, "stranger", "late delivery"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger dispute: expected ErrUnauthorized, got %v", err)
	}

	d, err := m.OpenDispute(ctx, e.ID, "buyer", "item not as described")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if d.RespondentID != "seller" {
		t.Errorf("respondent = %q, want seller", d.RespondentID)
	}
	if d.Status != DisputeOpen {
		t.Errorf("dispute status = %s, want open", d.Status)
	}

	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusDisputed {
		t.Errorf("escrow status = %s, want disputed", stored.Status)
	}
	if len(notifier.SentTo("seller")) != 1 {
		t.Errorf("seller notifications = %d, want 1", len(notifier.SentTo("seller")))
	}

	if _, err := m.OpenDispute(ctx, e.ID, "seller", "counter"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("dispute on disputed escrow: expected ErrInvalidStatus, got %v", err)
	}
}

func TestOpenDisputeWindowClosed(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)

	stored, _ := store.Get(ctx, e.ID)
	stored.Status = StatusFunded
	fundedAt := time.Now().Add(-72 * time.Hour) // window is 48h
	stored.FundedAt = &fundedAt
	if err := store.Update(ctx, stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := m.OpenDispute(ctx, e.ID, "buyer", "too late"); !errors.Is(err, ErrDisputeWindow) {
		t.Errorf("expected ErrDisputeWindow, got %v", err)
	}
}

func TestResolveDisputeSplitClosesEscrow(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	d, err := m.OpenDispute(ctx, e.ID, "buyer", "partial delivery")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	resolved, err := m.ResolveDispute(ctx, d.ID, ResolvedSplit, "parties settled directly")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != DisputeResolved {
		t.Errorf("dispute status = %s, want resolved", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved dispute must carry a resolution time")
	}

	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusClosed {
		t.Errorf("escrow status = %s, want closed", stored.Status)
	}

	if _, err := m.ResolveDispute(ctx, d.ID, ResolvedBuyer, "again"); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("second resolve: expected ErrDisputeClosed, got %v", err)
	}
}

func TestReviewDispute(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	d, err := m.OpenDispute(ctx, e.ID, "buyer", "wrong item shipped")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	reviewed, err := m.ReviewDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("ReviewDispute failed: %v", err)
	}
	if reviewed.Status != DisputeUnderReview {
		t.Errorf("dispute status = %s, want under_review", reviewed.Status)
	}

	// Picking up an already-reviewed case changes nothing.
	again, err := m.ReviewDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("second ReviewDispute failed: %v", err)
	}
	if again.Status != DisputeUnderReview {
		t.Errorf("dispute status = %s, want under_review", again.Status)
	}

	// Resolution proceeds from under_review.
	if _, err := m.ResolveDispute(ctx, d.ID, ResolvedSplit, "partial fault"); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if _, err := m.ReviewDispute(ctx, d.ID); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("review after resolve: expected ErrDisputeClosed, got %v", err)
	}
}

func TestResolveDisputeUnknownResolution(t *testing.T) {
	m, store, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)
	fundEscrow(t, m, store, e.ID)

	d, err := m.OpenDispute(ctx, e.ID, "seller", "non-payment claim")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if d.RespondentID != "buyer" {
		t.Errorf("respondent = %q, want buyer", d.RespondentID)
	}

	if _, err := m.ResolveDispute(ctx, d.ID, Resolution("coin_flip"), ""); !errors.Is(err, ErrNoResolution) {
		t.Errorf("expected ErrNoResolution, got %v", err)
	}
}

func TestListByParty(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()
	e := createEscrow(t, m)

	mine, err := m.ListByParty(ctx, "buyer", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != e.ID {
		t.Errorf("expected the buyer's escrow, got %v", mine)
	}

	none, err := m.ListByParty(ctx, "stranger", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("stranger should see no escrows, got %d", len(none))
	}
}
