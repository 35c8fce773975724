package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"rentledger/internal/common/database"
	"rentledger/internal/common/events"
	"rentledger/internal/common/middleware"
	natsclient "rentledger/internal/common/nats"
	"rentledger/internal/escrow"
	"rentledger/internal/httpapi"
	"rentledger/internal/ledger"
	"rentledger/internal/payments"
	"rentledger/internal/payouts"
	"rentledger/internal/providers/paystack"
	"rentledger/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	EventsEnabled bool `envconfig:"EVENTS_ENABLED" default:"true"`

	Database database.Config
	NATS     natsclient.Config
	Paystack paystack.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rentledger",
		"environment", cfg.Environment,
		"paystack_live_mode", cfg.Paystack.LiveMode(),
	)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run migrations before taking traffic
	if err := database.Migrate(cfg.Database.URL, logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS when event publishing is enabled
	var publisher events.EventPublisher
	var natsConn *natsclient.Client
	if cfg.EventsEnabled {
		natsConn, err = natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsConn.Close()

		if _, err := natsConn.EnsureStream(ctx, natsclient.DefaultStreamConfig("RENTLEDGER_EVENTS", []string{"events.>"})); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		publisher = natsclient.NewPublisher(natsConn, logger)
	}

	// Gateway client
	gateway := paystack.NewClient(cfg.Paystack)

	// Create services
	ledgerService := ledger.NewService(ledger.NewPostgresStore(), logger)
	paymentStore := payments.NewPostgresStore()
	intentService := payments.NewIntentService(paymentStore, logger)
	escrowController := escrow.NewController(escrow.NewPostgresStore(), ledgerService, logger)
	finalizer := payments.NewFinalizer(paymentStore, ledgerService, escrowController, logger)
	payoutService := payouts.NewService(db, payouts.NewPostgresStore(), ledgerService, gateway, logger)

	// Create handlers
	apiHandler := httpapi.NewHandler(db, intentService, escrowController, payoutService, ledgerService, paymentStore, publisher, logger)
	webhookHandler := webhook.NewHandler(db, finalizer, payoutService, publisher, cfg.Paystack.WebhookKey(), logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if natsConn != nil {
			if err := natsConn.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Webhooks authenticate by signature, not by caller identity
	r.Post("/webhooks/paystack", webhookHandler.Handle)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequestContext)
		r.Use(middleware.RequireOrg)
		apiHandler.RegisterRoutes(r)
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
