package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parking-engine/internal/config"
	"parking-engine/internal/logging"
	"parking-engine/internal/parking"
	"parking-engine/internal/server"
	"parking-engine/internal/store/memory"
	"parking-engine/internal/store/postgres"
)

var (
	mode = flag.String("mode", "cli", "Mode to run: cli, server, or both")
	port = flag.String("port", "", "Port for HTTP server (default APP_PORT)")
)

// store is everything the ledger needs from a backend.
type store interface {
	parking.VehicleDirectory
	parking.SpaceStore
	parking.SessionStore
	parking.SubscriptionStore
	parking.PaymentStore
}

func main() {
	flag.Parse()
	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryProvider, err := parking.NewTelemetryProvider(ctx, parking.TelemetryConfig{
		ServiceName:  cfg.OTelServiceName,
		OTLPEndpoint: cfg.OTelEndpoint,
		Environment:  cfg.Environment,
		Enabled:      cfg.OTelEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.OTelServiceName, cfg.Environment)

	ledger, closeStore, err := buildLedger(ctx, cfg, telemetryProvider, logger)
	if err != nil {
		logger.Error("failed to start ledger", slog.String("error", err.Error()))
		shutdownTelemetry(logger, telemetryProvider)
		os.Exit(1)
	}
	defer closeStore()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch *mode {
	case "cli":
		runCLI(ctx, cancel, ledger, sigChan, logger)
	case "server":
		runServer(ctx, cancel, cfg, ledger, sigChan, logger)
	case "both":
		runBoth(ctx, cancel, cfg, ledger, sigChan, logger)
	default:
		logger.Error("invalid mode, must be cli, server, or both", slog.String("mode", *mode))
	}

	shutdownTelemetry(logger, telemetryProvider)
}

// buildLedger opens the configured backend, loads the space table, seeds it
// when empty and wires the instrumented ledger on top.
func buildLedger(ctx context.Context, cfg *config.Config, telemetry *parking.TelemetryProvider, logger *slog.Logger) (*parking.InstrumentedLedger, func(), error) {
	var (
		backend   store
		closeFunc = func() {}
	)

	switch cfg.StoreBackend {
	case "memory":
		backend = memory.New()
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		backend = postgres.New(pool, postgres.Config{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		}, logger)
		closeFunc = pool.Close
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	spaces := parking.NewSpacePool(backend)
	if err := spaces.Load(ctx); err != nil {
		closeFunc()
		return nil, nil, fmt.Errorf("load spaces: %w", err)
	}
	if err := seedSpaces(ctx, cfg, spaces, logger); err != nil {
		closeFunc()
		return nil, nil, err
	}

	hourly := parking.NewMoney(cfg.HourlyRate, cfg.Currency)
	monthly := parking.NewMoney(cfg.MonthlyRate, cfg.Currency)

	ledger := parking.NewSessionLedger(parking.LedgerDeps{
		Pool:          spaces,
		Subscriptions: parking.NewSubscriptionRegistry(backend, monthly, logger),
		Payments:      parking.NewPaymentRecorder(backend, logger),
		Vehicles:      backend,
		Sessions:      backend,
		Logger:        logger,
	}, parking.Options{HourlyRate: hourly})

	if err := ledger.CheckInvariants(ctx); err != nil {
		logger.Warn("stored state is inconsistent", slog.String("error", err.Error()))
	}

	instrumented, err := parking.NewInstrumentedLedger(ledger, telemetry)
	if err != nil {
		closeFunc()
		return nil, nil, fmt.Errorf("instrument ledger: %w", err)
	}

	logger.Info("ledger ready",
		slog.String("backend", cfg.StoreBackend),
		slog.Int("spaces", spaces.TotalCount()),
		slog.Int("occupied", spaces.OccupiedCount()),
		slog.String("hourly_rate", hourly.String()),
		slog.String("monthly_rate", monthly.String()),
	)
	return instrumented, closeFunc, nil
}

func seedSpaces(ctx context.Context, cfg *config.Config, spaces *parking.SpacePool, logger *slog.Logger) error {
	if spaces.TotalCount() > 0 {
		return nil
	}
	numbers, err := cfg.SpaceNumbers()
	if err != nil {
		return err
	}
	for _, n := range numbers {
		if _, err := spaces.AddSpace(ctx, n); err != nil {
			return fmt.Errorf("seed space %s: %w", n, err)
		}
	}
	if len(numbers) > 0 {
		logger.Info("seeded spaces", slog.Int("count", len(numbers)))
	}
	return nil
}

func runCLI(ctx context.Context, cancel context.CancelFunc, ledger parking.Ledger, sigChan chan os.Signal, logger *slog.Logger) {
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	parking.NewShell(ledger, os.Stdin, os.Stdout).Run(ctx)
}

func runServer(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, ledger parking.Ledger, sigChan chan os.Signal, logger *slog.Logger) {
	srv := server.NewServer(cfg.Port, ledger, cfg.OTelServiceName, logger)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		shutdownServer(logger, srv)
		cancel()
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}

func runBoth(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, ledger parking.Ledger, sigChan chan os.Signal, logger *slog.Logger) {
	srv := server.NewServer(cfg.Port, ledger, cfg.OTelServiceName, logger)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start()
	}()

	cliDone := make(chan struct{})
	go func() {
		parking.NewShell(ledger, os.Stdin, os.Stdout).Run(ctx)
		close(cliDone)
	}()

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	select {
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	case <-cliDone:
		logger.Info("CLI exited")
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	shutdownServer(logger, srv)
}

func shutdownServer(logger *slog.Logger, srv *server.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
}

func shutdownTelemetry(logger *slog.Logger, telemetryProvider *parking.TelemetryProvider) {
	logger.Info("shutting down telemetry")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down telemetry", slog.String("error", err.Error()))
	}
}
