package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/bridge"
	"github.com/settld/settld/internal/processor"
	"github.com/settld/settld/internal/processor/simproc"
	"github.com/settld/settld/internal/transaction"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	monitor *Monitor
	tracker *transaction.Tracker
	store   *transaction.MemoryStore
	bridge  *bridge.Bridge
	sim     *simproc.Adapter
}

func newFixture(t *testing.T, cfg Config, opts ...simproc.Option) *fixture {
	t.Helper()
	logger := testLogger()

	if len(opts) == 0 {
		// Payments stay pending until the test advances them.
		opts = []simproc.Option{simproc.WithSettleAfter(1000)}
	}
	sim := simproc.New("sim", []string{"USD"}, opts...)
	registry := processor.NewRegistry(logger)
	registry.Register(sim)

	store := transaction.NewMemoryStore()
	tracker := transaction.NewTracker(store, logger)
	rates := bridge.NewStaticRates()
	rates.Set("USD", "USDC", amt("1"))
	b := bridge.New(registry, tracker, rates, bridge.Config{
		MinAmount:     amt("0.01"),
		MaxAmount:     amt("10000"),
		FeePercent:    amt("0.01"),
		QuoteValidity: time.Minute,
	}, logger)

	return &fixture{
		monitor: New(tracker, b, cfg, logger),
		tracker: tracker,
		store:   store,
		bridge:  b,
		sim:     sim,
	}
}

func (f *fixture) initiate(t *testing.T) *transaction.Transaction {
	t.Helper()
	txn, err := f.bridge.InitiateFiatPayment(context.Background(), bridge.PaymentRequest{
		UserID:   "user_1",
		Amount:   amt("50"),
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("InitiateFiatPayment failed: %v", err)
	}
	return txn
}

func TestTickSettlesPendingTransaction(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	txn := f.initiate(t)

	f.sim.SetStatus(txn.ProcessorTxID, processor.ExternalCompleted)
	f.monitor.Tick(ctx)

	got, err := f.tracker.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != transaction.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestTickSettlesConversion(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	quote, err := f.bridge.GetConversionQuote(ctx, "USD", "USDC", amt("100"))
	if err != nil {
		t.Fatalf("GetConversionQuote failed: %v", err)
	}
	txn, err := f.bridge.ExecuteConversion(ctx, quote.ID, "user_1")
	if err != nil {
		t.Fatalf("ExecuteConversion failed: %v", err)
	}
	if txn.Processor == "" || txn.ProcessorTxID == "" {
		t.Fatalf("conversion must carry a pollable processor payment, got %q/%q",
			txn.Processor, txn.ProcessorTxID)
	}

	f.sim.SetStatus(txn.ProcessorTxID, processor.ExternalCompleted)
	f.monitor.Tick(ctx)

	got, err := f.tracker.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != transaction.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestTickLeavesUnchangedTransactionAlone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	txn := f.initiate(t)

	before, _ := f.tracker.Get(ctx, txn.ID)
	f.monitor.Tick(ctx)
	after, _ := f.tracker.Get(ctx, txn.ID)

	if len(after.History) != len(before.History) {
		t.Errorf("history grew from %d to %d on a no-change check",
			len(before.History), len(after.History))
	}
}

func TestTickSkipsOnChainTransactions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	txn, err := f.tracker.Create(ctx, transaction.CreateParams{
		UserID:   "user_1",
		Amount:   amt("25"),
		Currency: "USDC",
		Type:     transaction.TypeCryptoPayment,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f.monitor.Tick(ctx)

	got, _ := f.tracker.Get(ctx, txn.ID)
	if got.Status != transaction.StatusPending {
		t.Errorf("on-chain transaction was touched: status = %s", got.Status)
	}
	if len(got.History) != 1 {
		t.Errorf("on-chain transaction history grew to %d entries", len(got.History))
	}
}

type flakyAdapter struct {
	*simproc.Adapter
	fail bool
}

func (f *flakyAdapter) CheckStatus(ctx context.Context, externalID string) (processor.ExternalStatus, error) {
	if f.fail {
		return "", context.DeadlineExceeded
	}
	return f.Adapter.CheckStatus(ctx, externalID)
}

func TestRepeatedCheckFailuresMarkTransactionFailed(t *testing.T) {
	logger := testLogger()
	flaky := &flakyAdapter{Adapter: simproc.New("sim", []string{"USD"}, simproc.WithSettleAfter(1000))}
	registry := processor.NewRegistry(logger)
	registry.Register(flaky)

	store := transaction.NewMemoryStore()
	tracker := transaction.NewTracker(store, logger)
	b := bridge.New(registry, tracker, bridge.NewStaticRates(), bridge.Config{
		MinAmount:  amt("0.01"),
		MaxAmount:  amt("10000"),
		FeePercent: amt("0.01"),
	}, logger)
	mon := New(tracker, b, Config{MaxRetries: 2}, logger)
	ctx := context.Background()

	txn, err := b.InitiateFiatPayment(ctx, bridge.PaymentRequest{
		UserID: "user_1", Amount: amt("50"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("InitiateFiatPayment failed: %v", err)
	}

	flaky.fail = true
	mon.Tick(ctx) // attempt 1
	mid, _ := tracker.Get(ctx, txn.ID)
	if mid.Status != transaction.StatusPending {
		t.Fatalf("status after one failure = %s, want pending", mid.Status)
	}
	if mid.Metadata["monitor_retries"] != "1" {
		t.Errorf("monitor_retries = %q, want 1", mid.Metadata["monitor_retries"])
	}

	mon.Tick(ctx) // attempt 2 hits the cap
	final, _ := tracker.Get(ctx, txn.ID)
	if final.Status != transaction.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestStaleTransactionFlaggedForReview(t *testing.T) {
	f := newFixture(t, Config{StaleThreshold: time.Minute})
	ctx := context.Background()

	// A conversion with no processor attached: nothing to poll, so the
	// stale sweep is its only way out of pending.
	txn, err := f.tracker.Create(ctx, transaction.CreateParams{
		UserID:   "user_1",
		Amount:   amt("75"),
		Currency: "USD",
		Type:     transaction.TypeFiatToCrypto,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.store.Backdate(txn.ID, time.Now().Add(-2*time.Hour))

	f.monitor.Tick(ctx)

	got, _ := f.tracker.Get(ctx, txn.ID)
	if got.Status != transaction.StatusNeedsReview {
		t.Fatalf("status = %s, want needs_review", got.Status)
	}
	last := got.LastChange()
	if last.Reason == "" {
		t.Fatal("review entry must carry a stuck-for reason")
	}
}

func TestStaleTransactionSettledOnFinalCheck(t *testing.T) {
	f := newFixture(t, Config{StaleThreshold: time.Minute})
	ctx := context.Background()
	txn := f.initiate(t)

	f.store.Backdate(txn.ID, time.Now().Add(-2*time.Hour))
	f.sim.SetStatus(txn.ProcessorTxID, processor.ExternalCompleted)

	f.monitor.Tick(ctx)

	got, _ := f.tracker.Get(ctx, txn.ID)
	if got.Status != transaction.StatusCompleted {
		t.Errorf("status = %s, want completed (final check should settle, not flag)", got.Status)
	}
}

func TestMonitorStartStop(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.monitor.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !f.monitor.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !f.monitor.Running() {
		t.Fatal("monitor never reported running")
	}

	f.monitor.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
