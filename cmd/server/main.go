/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the inspection settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Seed pricing overrides from PRICING_SEED_FILE (never overwrites)
  5. Connect the event publisher (RabbitMQ, or log-only fallback)
  6. Wire services, HTTP router and the settlement scheduler
  7. Serve with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Path of a .env file to load (default: .env)
  -port    Overrides PORT

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running close)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the publisher and the store

EXAMPLES:
  # SQLite file database
  SQLITE_PATH=./data/settlement.db ./server

  # Shared Postgres, events to RabbitMQ
  STORE_DRIVER=postgres DATABASE_URL=postgres://... AMQP_URL=amqp://... ./server

SEE ALSO:
  - config/config.go: Every environment variable
  - api/server.go: Router configuration
  - api/scheduler.go: Automatic period close
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/billing"
	memstore "github.com/warp/settlement-engine/billing/store"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/inspection"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/postgres"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	envFile := flag.String("env", ".env", "Path of a .env file to load")
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	calendar, err := cfg.Calendar()
	if err != nil {
		return err
	}
	currency := billing.Currency(cfg.Currency)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	inspections := inspection.NewService(store, store, store, billing.DefaultPricing(currency), logger)
	pricingFactory := factory.NewPricingFactory(currency)
	if cfg.PricingSeedFile != "" {
		seed, err := pricingFactory.ParseSeedFile(cfg.PricingSeedFile)
		if err != nil {
			return fmt.Errorf("pricing seed: %w", err)
		}
		n, err := inspections.SeedPricing(ctx, seed)
		if err != nil {
			return fmt.Errorf("pricing seed: %w", err)
		}
		logger.Info("pricing seeded", zap.String("file", cfg.PricingSeedFile), zap.Int("types", n))
	}

	publisher := events.Connect(cfg.AMQPURL, logger)
	defer publisher.Close()

	engine := billing.NewEngine(calendar, logger)
	engine.Classifier = cfg.Classifier()
	engine.Currency = currency
	settle := settlement.NewService(store, engine, publisher, logger)

	handler := api.NewHandler(inspections, settle, pricingFactory, logger)
	router := api.NewRouter(handler, cfg.AllowedOrigins())

	scheduler := api.NewSettlementScheduler(settle, cfg.SettlementSchedule, logger)
	scheduler.Enabled = cfg.SchedulerEnabled
	if err := scheduler.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("period", settle.CurrentPeriodDisplay(time.Now()).Label))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (billing.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return memstore.NewMemory(), func() error { return nil }, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}
