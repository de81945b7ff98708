package transaction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateSeedsHistory(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()

	txn, err := tracker.Create(ctx, CreateParams{
		UserID:   "user_1",
		Amount:   amt("25.00"),
		Currency: "USD",
		Type:     TypeFiatPayment,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if txn.Status != StatusPending {
		t.Errorf("expected pending, got %s", txn.Status)
	}
	if len(txn.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(txn.History))
	}
	if txn.History[0].Status != StatusPending {
		t.Errorf("history seeded with %s, want pending", txn.History[0].Status)
	}
	if txn.ID == "" {
		t.Error("ID should be generated when not supplied")
	}
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())

	_, err := tracker.Create(context.Background(), CreateParams{
		UserID: "user_1", Amount: decimal.Zero, Currency: "USD", Type: TypeFiatPayment,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

// failingStore rejects writes to exercise the creation error kind.
type failingStore struct {
	*MemoryStore
}

func (f *failingStore) Create(ctx context.Context, txn *Transaction) error {
	return errors.New("store unavailable")
}

func TestCreateStoreFailureIsDistinguishable(t *testing.T) {
	tracker := NewTracker(&failingStore{NewMemoryStore()}, testLogger())

	_, err := tracker.Create(context.Background(), CreateParams{
		UserID: "user_1", Amount: amt("5"), Currency: "USD", Type: TypeFiatPayment,
	})
	if !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("expected ErrCreateFailed kind, got %v", err)
	}
}

func TestUpdateStatusAppendsHistory(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()

	txn, _ := tracker.Create(ctx, CreateParams{
		UserID: "user_1", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
	})

	txn, err := tracker.UpdateStatus(ctx, txn.ID, StatusProcessing, "processor accepted", nil)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	txn, err = tracker.UpdateStatus(ctx, txn.ID, StatusCompleted, "settled", map[string]string{"settled_by": "stripe"})
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	if len(txn.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(txn.History))
	}
	if txn.LastChange().Status != txn.Status {
		t.Error("last history entry must match current status")
	}
	if txn.Metadata["settled_by"] != "stripe" {
		t.Error("metadata patch not merged")
	}
}

func TestUpdateStatusRepeatedWriteRecorded(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()

	txn, _ := tracker.Create(ctx, CreateParams{
		UserID: "user_1", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
	})

	// A no-op status value is still appended to the audit trail.
	txn, err := tracker.UpdateStatus(ctx, txn.ID, StatusPending, "checked, no change", nil)
	if err != nil {
		t.Fatalf("repeated status write rejected: %v", err)
	}
	if len(txn.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(txn.History))
	}
}

func TestUpdateStatusUnknownID(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())

	_, err := tracker.UpdateStatus(context.Background(), "txn_missing", StatusCompleted, "", nil)
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusNeedsReview}

	for _, terminal := range terminals {
		t.Run(string(terminal), func(t *testing.T) {
			tracker := NewTracker(NewMemoryStore(), testLogger())
			ctx := context.Background()

			txn, _ := tracker.Create(ctx, CreateParams{
				UserID: "user_1", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
			})
			if _, err := tracker.UpdateStatus(ctx, txn.ID, terminal, "done", nil); err != nil {
				t.Fatalf("transition to %s failed: %v", terminal, err)
			}

			for _, next := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
				if _, err := tracker.UpdateStatus(ctx, txn.ID, next, "", nil); !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s -> %s should be rejected, got %v", terminal, next, err)
				}
			}
		})
	}
}

func TestConcurrentUpdatesKeepHistoryConsistent(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()

	txn, _ := tracker.Create(ctx, CreateParams{
		UserID: "user_1", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Repeated pending writes race against each other; every
			// accepted write must land in history exactly once.
			_, _ = tracker.UpdateStatus(ctx, txn.ID, StatusPending, "poll", nil)
		}()
	}
	wg.Wait()

	final, err := tracker.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(final.History) != 21 {
		t.Errorf("expected 21 history entries (1 seed + 20 polls), got %d", len(final.History))
	}
	if final.LastChange().Status != final.Status {
		t.Error("last history entry must match current status")
	}
}

func TestAttachProcessorTx(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()

	txn, _ := tracker.Create(ctx, CreateParams{
		UserID: "user_1", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
	})

	updated, err := tracker.AttachProcessorTx(ctx, txn.ID, "stripe", "pi_123")
	if err != nil {
		t.Fatalf("AttachProcessorTx failed: %v", err)
	}
	if len(updated.History) != 1 {
		t.Error("attaching a processor ID must not append history")
	}

	found, err := tracker.GetByProcessorID(ctx, "stripe", "pi_123")
	if err != nil {
		t.Fatalf("GetByProcessorID failed: %v", err)
	}
	if found.ID != txn.ID {
		t.Errorf("lookup returned %s, want %s", found.ID, txn.ID)
	}
}

func TestListStale(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, testLogger())
	ctx := context.Background()

	fresh, _ := tracker.Create(ctx, CreateParams{
		UserID: "user_1", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
	})

	stale, _ := tracker.Create(ctx, CreateParams{
		UserID: "user_2", Amount: amt("10"), Currency: "USD", Type: TypeFiatPayment,
	})
	// Age the second transaction past the threshold.
	aged, _ := store.Get(ctx, stale.ID)
	aged.UpdatedAt = time.Now().Add(-time.Hour)
	if err := store.Update(ctx, aged); err != nil {
		t.Fatalf("age transaction: %v", err)
	}

	got, err := tracker.ListStale(ctx, 30*time.Minute, 100)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("expected only the aged transaction, got %d results", len(got))
	}
	_ = fresh
}
