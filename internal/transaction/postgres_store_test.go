//go:build integration

package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	txn := &Transaction{
		ID:       "txn_pgtest1",
		UserID:   "user_1",
		Amount:   decimal.RequireFromString("12.50"),
		Currency: "USD",
		Type:     TypeFiatPayment,
		Status:   StatusPending,
		History: []StatusChange{
			{Status: StatusPending, Timestamp: now},
		},
		Processor:     "stripe",
		ProcessorTxID: "pi_pgtest1",
		Metadata:      map[string]string{"origin": "test"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Amount.Equal(txn.Amount) {
		t.Errorf("amount = %s, want %s", got.Amount, txn.Amount)
	}
	if len(got.History) != 1 || got.History[0].Status != StatusPending {
		t.Errorf("history did not round-trip: %+v", got.History)
	}
	if got.Metadata["origin"] != "test" {
		t.Errorf("metadata did not round-trip: %+v", got.Metadata)
	}

	// Update with an appended history entry.
	got.Status = StatusCompleted
	got.History = append(got.History, StatusChange{Status: StatusCompleted, Timestamp: now.Add(time.Second)})
	got.UpdatedAt = now.Add(time.Second)
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	byProc, err := store.GetByProcessorID(ctx, "stripe", "pi_pgtest1")
	if err != nil {
		t.Fatalf("GetByProcessorID failed: %v", err)
	}
	if byProc.Status != StatusCompleted || len(byProc.History) != 2 {
		t.Errorf("update did not persist: status=%s history=%d", byProc.Status, len(byProc.History))
	}
}

func TestPostgresStoreListStale(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	txn := &Transaction{
		ID:        "txn_pgstale1",
		UserID:    "user_1",
		Amount:    decimal.RequireFromString("1"),
		Currency:  "USD",
		Type:      TypeFiatPayment,
		Status:    StatusPending,
		History:   []StatusChange{{Status: StatusPending, Timestamp: old}},
		CreatedAt: old,
		UpdatedAt: old,
	}
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale, err := store.ListStale(ctx, []Status{StatusPending, StatusProcessing}, time.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "txn_pgstale1" {
		t.Fatalf("expected the aged transaction, got %d rows", len(stale))
	}

	none, err := store.ListStale(ctx, []Status{StatusPending}, time.Now().Add(-2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no rows older than 2h, got %d", len(none))
	}
}
