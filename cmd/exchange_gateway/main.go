package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/exchange_gateway/internal/config"
	"github.com/italolelis/exchange_gateway/internal/http/rest"
	"github.com/italolelis/exchange_gateway/internal/logctx"
	"github.com/italolelis/exchange_gateway/internal/notifier"
	"github.com/italolelis/exchange_gateway/internal/scheduler"
	"github.com/italolelis/exchange_gateway/internal/storage/sqlite"
	"github.com/italolelis/exchange_gateway/internal/telemetry"
	"github.com/italolelis/exchange_gateway/internal/transfer"
	"github.com/italolelis/exchange_gateway/internal/vault"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("exchange gateway starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	transfers := sqlite.NewInstrumentedTransferRepository(database, tel)
	bridges := sqlite.NewBridgeRepository(database)
	consents := sqlite.NewConsentRepository(database)
	registry := sqlite.NewRegistry(database)

	// =========================================================================
	// Start Vault
	v, err := vault.New(cfg.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("failed to setup vault: %w", err)
	}

	// =========================================================================
	// Start Delivery Engine
	instanceID := scheduler.GenerateInstanceID()

	engine := transfer.NewEngine(
		transfers,
		v,
		bridges,
		consents,
		notifier.NewWebhookClient(cfg.DeliveryTimeout),
		transfer.Config{
			MaxRetries: cfg.MaxRetries,
			TTL:        cfg.TransferTTL,
			ClaimLease: cfg.ClaimLease,
			InstanceID: instanceID,
			Telemetry:  tel,
		},
	)

	// =========================================================================
	// Start Scheduler
	sched := scheduler.New(engine, scheduler.Config{
		Interval:      cfg.Scheduler.Interval,
		ErrorInterval: cfg.Scheduler.ErrorInterval,
		MaxParallel:   cfg.Scheduler.MaxParallel,
		Telemetry:     tel,
	})
	sched.Start(ctx)

	logger.Info("scheduler started",
		"instance_id", instanceID,
		"interval", cfg.Scheduler.Interval.String(),
		"max_retries", cfg.MaxRetries,
		"transfer_ttl", cfg.TransferTTL.String(),
	)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, rest.NewExchangeHandler(engine, registry), rest.HealthHandler(database, sched))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown
	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.Error("could not stop server gracefully", "err", err)
		}
	}

	sched.Stop()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown telemetry", "err", err)
	}

	return runErr
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	exchange *rest.ExchangeHandler,
	health http.HandlerFunc,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/health", health)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", exchange.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
