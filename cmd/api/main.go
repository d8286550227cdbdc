package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/tenmo-ledger/internal/api"
	"github.com/punchamoorthee/tenmo-ledger/internal/config"
	"github.com/punchamoorthee/tenmo-ledger/internal/logging"
	"github.com/punchamoorthee/tenmo-ledger/internal/service"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"github.com/punchamoorthee/tenmo-ledger/internal/sweeper"
	"go.uber.org/zap"
)

// ledgerStore is everything the service layers need from one storage driver.
type ledgerStore interface {
	store.Repository
	store.Provisioner
	store.IdempotencyStore
}

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	_ = logger.Sync()
}

// run serves until a signal arrives or the listener fails. Every resource it
// opens is released before it returns.
func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer closeStore()

	// Initialize Layers
	svc := service.NewTransferService(ledger, logger.Named("engine"))
	handler := api.NewHandler(svc, ledger, logger.Named("http"))

	sweep := sweeper.New(ledger, logger.Named("sweeper"), sweeper.Options{
		Schedule:   cfg.SweepSchedule,
		StaleAfter: cfg.KeyStaleAfter,
		TTL:        cfg.KeyTTL,
	})
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("schedule idempotency sweep: %w", err)
	}
	defer func() { <-sweep.Stop().Done() }()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledgerStore, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		mem := store.NewMemoryStore()
		for _, name := range cfg.SeedUsers {
			acc, err := mem.CreateAccount(ctx, name, cfg.OpeningBalance)
			if err != nil {
				return nil, nil, err
			}
			logger.Info("seeded user", zap.String("username", name), zap.Int64("user_id", acc.UserID))
		}
		return mem, func() {}, nil
	}

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DBSource, logger.Named("migrate")); err != nil {
			return nil, nil, err
		}
	}

	pool, err := store.NewPool(ctx, cfg.DBSource, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(pool, store.Options{TxTimeout: cfg.TxTimeout, LockTimeout: cfg.LockTimeout})
	return pg, pool.Close, nil
}
