// Package app assembles the payment engine: stores, processors, the
// fiat bridge, escrow management, and the background loops that keep
// them reconciled.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/bridge"
	"github.com/settld/settld/internal/chain"
	"github.com/settld/settld/internal/config"
	"github.com/settld/settld/internal/escrow"
	"github.com/settld/settld/internal/logging"
	"github.com/settld/settld/internal/metrics"
	"github.com/settld/settld/internal/money"
	"github.com/settld/settld/internal/monitor"
	"github.com/settld/settld/internal/notify"
	"github.com/settld/settld/internal/processor"
	"github.com/settld/settld/internal/processor/simproc"
	"github.com/settld/settld/internal/processor/stripeproc"
	"github.com/settld/settld/internal/schedule"
	"github.com/settld/settld/internal/transaction"
)

// App owns every long-lived component of the engine.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	Tracker  *transaction.Tracker
	Registry *processor.Registry
	Bridge   *bridge.Bridge
	Escrow   *escrow.Manager
	Schedule *schedule.Service

	monitor *monitor.Monitor
	runner  *schedule.Runner
	poller  *escrow.Poller

	metricsSrv *http.Server
}

// New builds the full component graph from configuration. Nothing is
// started; call Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var (
		txnStore      transaction.Store
		escrowStore   escrow.Store
		disputeStore  escrow.DisputeStore
		scheduleStore schedule.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.db = db
		txnStore = transaction.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = escrow.NewPostgresDisputeStore(db)
		scheduleStore = schedule.NewPostgresStore(db)
		logger.Info("using postgres stores")
	} else {
		txnStore = transaction.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = escrow.NewMemoryDisputeStore()
		scheduleStore = schedule.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	a.Tracker = transaction.NewTracker(txnStore, logging.Component(logger, "tracker"))

	a.Registry = processor.NewRegistry(logging.Component(logger, "registry"))
	if cfg.StripeAPIKey != "" {
		a.Registry.Register(stripeproc.New(cfg.StripeAPIKey))
		logger.Info("stripe processor enabled")
	}
	if cfg.IsDevelopment() {
		a.Registry.Register(simproc.New("sim", []string{"USD", "EUR", "GBP"}))
		logger.Info("simulated processor enabled")
	}

	minPayment, err := money.Parse(cfg.MinPayment)
	if err != nil {
		return nil, fmt.Errorf("parsing MIN_PAYMENT: %w", err)
	}
	maxPayment, err := money.Parse(cfg.MaxPayment)
	if err != nil {
		return nil, fmt.Errorf("parsing MAX_PAYMENT: %w", err)
	}
	feePercent, err := money.Parse(cfg.ConversionFeePercent)
	if err != nil {
		return nil, fmt.Errorf("parsing CONVERSION_FEE_PERCENT: %w", err)
	}

	rates := bridge.NewStaticRates()
	rates.Set("USD", "USDC", decimal.New(1, 0))
	rates.Set("EUR", "USDC", decimal.RequireFromString("1.08"))
	rates.Set("GBP", "USDC", decimal.RequireFromString("1.27"))

	a.Bridge = bridge.New(a.Registry, a.Tracker, rates, bridge.Config{
		MinAmount:     minPayment,
		MaxAmount:     maxPayment,
		FeePercent:    feePercent,
		QuoteValidity: cfg.QuoteValidity,
	}, logging.Component(logger, "bridge"))

	var reader chain.Reader
	if cfg.EscrowVault != "" {
		client, err := chain.Dial(chain.Config{
			RPCURL:         cfg.RPCURL,
			TokenContract:  common.HexToAddress(cfg.TokenContract),
			VaultAddress:   common.HexToAddress(cfg.EscrowVault),
			LookbackBlocks: chain.DefaultConfig().LookbackBlocks,
		}, logging.Component(logger, "chain"))
		if err != nil {
			return nil, fmt.Errorf("dialing chain RPC: %w", err)
		}
		reader = client
	} else {
		reader = chain.NewMemoryReader()
		logger.Warn("ESCROW_VAULT not set, escrow confirmations use the in-memory reader")
	}

	notifier := &notify.LogNotifier{Logger: logging.Component(logger, "notify")}
	a.Escrow = escrow.NewManager(escrowStore, disputeStore, notifier,
		&settlementRecorder{tracker: a.Tracker}, logging.Component(logger, "escrow"))

	a.Schedule = schedule.NewService(scheduleStore, logging.Component(logger, "schedule"))

	a.monitor = monitor.New(a.Tracker, a.Bridge, monitor.Config{
		Interval:       cfg.MonitorInterval,
		StaleInterval:  cfg.StaleInterval,
		StaleThreshold: cfg.StaleThreshold,
		MaxRetries:     cfg.MaxRetries,
		Concurrency:    cfg.BatchConcurrency,
		CallTimeout:    cfg.CallTimeout,
	}, logging.Component(logger, "monitor"))

	a.runner = schedule.NewRunner(scheduleStore, schedule.ExecutorFunc(a.executeScheduled), schedule.Config{
		Interval:    cfg.SchedulerInterval,
		Concurrency: cfg.BatchConcurrency,
		MaxRetries:  cfg.MaxRetries,
	}, logging.Component(logger, "runner"))

	a.poller = escrow.NewPoller(a.Escrow, reader, cfg.PollInterval, cfg.MaxRetries,
		logging.Component(logger, "poller"))

	return a, nil
}

// Run starts the background loops and blocks until ctx is canceled,
// then stops them cleanly.
func (a *App) Run(ctx context.Context) error {
	metrics.RegisterDefault()

	var wg sync.WaitGroup
	for _, loop := range []struct {
		name  string
		start func(context.Context)
	}{
		{"monitor", a.monitor.Start},
		{"runner", a.runner.Start},
		{"poller", a.poller.Start},
	} {
		wg.Add(1)
		go func(name string, start func(context.Context)) {
			defer wg.Done()
			a.logger.Info("loop started", "loop", name)
			start(ctx)
			a.logger.Info("loop stopped", "loop", name)
		}(loop.name, loop.start)
	}

	if a.cfg.MetricsAddr != "" {
		a.metricsSrv = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutting down")

	a.monitor.Stop()
	a.runner.Stop()
	a.poller.Stop()
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
	}
	wg.Wait()

	if a.db != nil {
		_ = a.db.Close()
	}
	a.logger.Info("shutdown complete")
	return nil
}

// executeScheduled is the runner's executor: a due schedule becomes one
// fiat payment through the bridge.
func (a *App) executeScheduled(ctx context.Context, sp *schedule.ScheduledPayment) error {
	_, err := a.Bridge.InitiateFiatPayment(ctx, bridge.PaymentRequest{
		UserID:        sp.UserID,
		Amount:        sp.Amount,
		Currency:      sp.Currency,
		SourceID:      sp.SourceID,
		DestinationID: sp.DestinationID,
		Description:   sp.Description,
	})
	return err
}

// settlementRecorder mirrors confirmed escrow movements into the
// transaction ledger so the audit trail covers both rails.
type settlementRecorder struct {
	tracker *transaction.Tracker
}

func (r *settlementRecorder) RecordSettlement(ctx context.Context, s escrow.Settlement) error {
	txn, err := r.tracker.Create(ctx, transaction.CreateParams{
		UserID:        s.FromID,
		Amount:        s.Amount,
		Currency:      s.Currency,
		Type:          transaction.TypeCryptoPayment,
		SourceID:      s.FromID,
		DestinationID: s.ToID,
		Metadata: map[string]string{
			"escrow_id": s.EscrowID,
			"escrow_op": string(s.Op),
			"signature": s.Signature,
		},
	})
	if err != nil {
		return err
	}
	_, err = r.tracker.UpdateStatus(ctx, txn.ID, transaction.StatusCompleted,
		"on-chain settlement confirmed", nil)
	return err
}
