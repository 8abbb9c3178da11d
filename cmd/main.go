// cmd/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veridocs/btcpay/internal/api"
	"github.com/veridocs/btcpay/internal/bulkops"
	"github.com/veridocs/btcpay/internal/config"
	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/jobs"
	"github.com/veridocs/btcpay/internal/ledger"
	"github.com/veridocs/btcpay/internal/logging"
	"github.com/veridocs/btcpay/internal/payments"
	"github.com/veridocs/btcpay/internal/pool"
	"go.uber.org/zap"
)

func main() {
	logging.Init()
	defer logging.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}

	if err := db.Init(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		logging.Error("Failed to initialize the database", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error("Error closing the database", zap.Error(err))
		}
	}()

	store := db.NewStore(db.DB)

	providers := []ledger.Provider{
		ledger.NewEsplora("blockstream", cfg.EsploraURL, cfg.ProviderTimeout),
		ledger.NewEsplora("mempool.space", cfg.MempoolSpaceURL, cfg.ProviderTimeout),
		ledger.NewBlockCypher(cfg.BlockCypherURL, cfg.ProviderTimeout),
	}
	watcher := ledger.NewWatcher(providers, ledger.Config{
		ConfirmationsRequired: cfg.ConfirmationsRequired,
		CallDelay:             cfg.ProviderCallDelay,
		FallbackDelay:         cfg.ProviderFallbackDelay,
		RetryAttempts:         cfg.ProviderRetryAttempts,
	})
	logging.Info("Ledger watcher configured", zap.Strings("providers", watcher.ProviderNames()))

	addressPool := pool.New(store, pool.Config{
		EncryptionKey:  cfg.EncryptionKey,
		ReservationTTL: cfg.ReservationTTL,
		Floor:          cfg.PoolFloor,
	})

	reconciler := payments.NewReconciler(store, watcher, payments.Config{
		TolerancePct:          cfg.TolerancePct,
		ConfirmationsRequired: cfg.ConfirmationsRequired,
		PendingPageSize:       cfg.PendingPageSize,
	})

	coordinator := bulkops.New(store, reconciler)

	runner := jobs.NewRunner(store, addressPool, watcher, jobs.Config{
		RetentionDays:  cfg.RetentionDays,
		ReminderWindow: cfg.ReminderWindow,
	})

	server := api.NewServer(addressPool, reconciler, coordinator, runner, cfg.AdminAPIKey)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(cfg.ListenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logging.Error("HTTP server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Error during shutdown", zap.Error(err))
	}

	logging.Info("Service stopped")
}
