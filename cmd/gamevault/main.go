package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/gamevault/internal/artifact"
	"github.com/italolelis/gamevault/internal/cleanup"
	"github.com/italolelis/gamevault/internal/config"
	"github.com/italolelis/gamevault/internal/delivery"
	"github.com/italolelis/gamevault/internal/filetype"
	"github.com/italolelis/gamevault/internal/fulfillment"
	"github.com/italolelis/gamevault/internal/http/rest"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/notifier"
	"github.com/italolelis/gamevault/internal/pathguard"
	"github.com/italolelis/gamevault/internal/storage/sqlite"
	"github.com/italolelis/gamevault/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const dirPerm = 0o750

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("gamevault starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
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
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Path Guard
	guard, err := pathguard.New(cfg.AllowedRoots)
	if err != nil {
		return fmt.Errorf("invalid allowed roots: %w", err)
	}

	overlaps, err := guard.Overlaps(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to check output directory: %w", err)
	}

	if overlaps {
		return errors.New("output directory must be disjoint from the allowed roots")
	}

	if err := os.MkdirAll(cfg.OutputDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedRequestRepository(database, tel)

	// =========================================================================
	// Start Fulfillment
	skip, err := filetype.NewSet(cfg.SkipExtensions)
	if err != nil {
		return fmt.Errorf("invalid skip extensions: %w", err)
	}

	producer, err := artifact.NewProducer(guard, cfg.OutputDir, artifact.WithSkipExtensions(skip))
	if err != nil {
		return fmt.Errorf("failed to create artifact producer: %w", err)
	}

	coordinator := fulfillment.NewCoordinator(repo, guard, producer, tel, fulfillment.Options{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		MaxJobDuration: cfg.MaxJobDuration,
	})

	if abandoned, err := coordinator.RecoverAbandoned(ctx); err != nil {
		return fmt.Errorf("failed to recover abandoned requests: %w", err)
	} else if len(abandoned) > 0 {
		logger.Warn("failed requests abandoned by a previous run", "count", len(abandoned))
	}

	coordinator.Start(ctx)
	coordinator.RunReaper(ctx, cfg.ReaperInterval)

	deliveries := delivery.NewService(repo, producer.OutputDir(), tel)

	// =========================================================================
	// Start Notification
	setupNotificationForCoordinator(ctx, coordinator, cfg)

	// =========================================================================
	// Start Cleanup
	cleanup.New(repo, producer.OutputDir(), cfg.KeepArtifactsFor, cfg.MaxJobDuration, tel).
		Start(ctx, cfg.CleanupInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, coordinator, deliveries, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for fulfillment requests...",
		"allowed_roots", len(cfg.AllowedRoots),
		"output_dir", producer.OutputDir(),
		"workers", cfg.Workers,
		"max_job_duration", cfg.MaxJobDuration.String(),
		"retention", cfg.KeepArtifactsFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error("fulfillment workers did not stop in time", "err", err)
		}

		return ctx.Err()
	}
}

func setupNotificationForCoordinator(ctx context.Context, coordinator *fulfillment.Coordinator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.NopNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for event := range coordinator.Events() {
			var msg string

			switch event.Type {
			case fulfillment.EventReady:
				logger.Debug("fulfillment ready", "fulfillment_id", event.RequestID)

				continue
			case fulfillment.EventFailed:
				msg = "❌ Fulfillment failed for " + event.Resource.String() + " (" + event.RequestID + ")"
			case fulfillment.EventReaped:
				msg = "⏱️ Fulfillment timed out for " + event.Resource.String() + " (" + event.RequestID + ")"
			}

			if notifyErr := notif.Notify(context.WithoutCancel(ctx), msg); notifyErr != nil {
				logger.Error("failed to send notification", "fulfillment_id", event.RequestID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	coordinator *fulfillment.Coordinator,
	deliveries *delivery.Service,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	fHandler := rest.NewFulfillmentHandler(coordinator, deliveries)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", fHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "gamevault"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
