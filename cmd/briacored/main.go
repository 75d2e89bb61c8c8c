// Command briacored runs the custody daemon: the operator HTTP surface,
// the sync-wallet job, and every payout queue's batch-assembly driver.
// Grounded on the teacher's cmd/server's serve/init subcommand dispatch,
// narrowed to the one subcommand this daemon needs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briacore/custody/internal/api"
	"github.com/briacore/custody/internal/api/handlers"
	"github.com/briacore/custody/internal/batchjob"
	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/eventhub"
	"github.com/briacore/custody/internal/feeestimator"
	"github.com/briacore/custody/internal/ledger"
	"github.com/briacore/custody/internal/logging"
	"github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/syncjob"
	"github.com/briacore/custody/internal/walletengine"

	"log/slog"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("briacored exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting briacored",
		"version", version,
		"network", cfg.Network,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
		"logLevel", cfg.LogLevel,
	)

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	slog.Info("database opened", "path", cfg.DBPath)

	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("database migrations applied")

	registry := ledger.NewRegistry()
	if err := registry.Bootstrap(context.Background(), db.Conn()); err != nil {
		return fmt.Errorf("failed to bootstrap ledger templates: %w", err)
	}
	ledgerEngine := ledger.NewEngine(registry)

	slog.Info("ledger templates bootstrapped")

	// Event hub: fans out UTXO/payout/batch lifecycle events to the
	// operator HTTP surface's SSE clients.
	hub := eventhub.New()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	feeClient := feeestimator.New(cfg.FeeEstimatorURL, time.Duration(cfg.FeeEstimatorTimeout)*time.Second)
	batchRunner := batchjob.NewRunner(db, feeClient, ledgerEngine)
	batchRunner.SetBroadcaster(hub)

	if cfg.WalletEngineURL == "" {
		slog.Warn("BRIA_WALLET_ENGINE_URL not set, sync job will not be started")
	} else {
		engineClient := walletengine.New(cfg.WalletEngineURL, time.Duration(cfg.WalletEngineTimeout)*time.Second)
		syncRunner := syncjob.NewRunner(db, engineClient, ledgerEngine)
		syncRunner.SetBroadcaster(hub)

		syncCtx, syncCancel := context.WithCancel(context.Background())
		defer syncCancel()
		go syncRunner.Loop(syncCtx, time.Duration(cfg.SyncIntervalSeconds)*time.Second)

		slog.Info("sync job started", "interval", cfg.SyncIntervalSeconds)
	}

	if err := startIntervalDrivers(context.Background(), db, batchRunner); err != nil {
		return fmt.Errorf("failed to start interval batch drivers: %w", err)
	}

	deps := &handlers.Deps{DB: db, Ledger: ledgerEngine, BatchRunner: batchRunner, Hub: hub}
	api.Version = version

	router := api.NewRouter(db, cfg, deps, hub)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    config.ServerReadTimeout,
		WriteTimeout:   config.ServerWriteTimeout,
		IdleTimeout:    config.ServerIdleTimeout,
		MaxHeaderBytes: config.ServerMaxHeaderBytes,
	}

	slog.Info("server configured",
		"readTimeout", config.ServerReadTimeout,
		"writeTimeout", config.ServerWriteTimeout,
		"idleTimeout", config.ServerIdleTimeout,
		"maxHeaderBytes", config.ServerMaxHeaderBytes,
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	hubCancel()
	slog.Info("event hub context cancelled")

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// startIntervalDrivers resumes the background ticker for every
// Interval-triggered payout queue, so a daemon restart picks batch
// assembly back up without an operator having to re-trigger it.
func startIntervalDrivers(ctx context.Context, db *store.DB, runner *batchjob.Runner) error {
	var queues []payout.Queue
	err := db.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		queues, err = payout.ListAllQueues(ctx, q)
		return err
	})
	if err != nil {
		return err
	}

	started := 0
	for _, queue := range queues {
		if queue.Trigger.Kind != primitives.TriggerInterval {
			continue
		}
		if err := runner.StartDriver(ctx, queue.ID, queue.Trigger); err != nil {
			slog.Error("failed to start batch driver", "queue", queue.ID, "error", err)
			continue
		}
		started++
	}
	slog.Info("interval batch drivers started", "count", started, "totalQueues", len(queues))
	return nil
}
