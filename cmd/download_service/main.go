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

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_service/internal/cleanup"
	"github.com/italolelis/download_service/internal/config"
	"github.com/italolelis/download_service/internal/dispatch"
	"github.com/italolelis/download_service/internal/downloader"
	"github.com/italolelis/download_service/internal/http/rest"
	"github.com/italolelis/download_service/internal/logctx"
	"github.com/italolelis/download_service/internal/notifier"
	"github.com/italolelis/download_service/internal/telemetry"
	"github.com/italolelis/download_service/internal/transfer"
	"github.com/italolelis/download_service/internal/transport"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewContextHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("download service starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	seeds, err := loadSeeds(cfg)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Download Manager
	client := transport.NewClient(transport.Options{
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Transport.IdleConnTimeout,
		InactivityTimeout:   cfg.Transport.InactivityTimeout,
		ChunkSize:           int(cfg.Transport.ChunkSize),
		UserAgent:           cfg.Transport.UserAgent,
	})
	queue := dispatch.NewQueue()

	manager := downloader.New(client, queue,
		downloader.WithTelemetry(tel),
		downloader.WithAcceptNonSuccessStatus(cfg.AcceptNonSuccessStatus),
		downloader.WithMaxBufferSize(int64(cfg.MaxBufferSize)),
	)

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	downloads := rest.NewDownloadsHandler(manager, notif, tel)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, downloads, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(gctx, downloads, cfg.KeepFinishedFor, cfg.CleanupInterval)

		return nil
	})

	// =========================================================================
	// Start Seed Downloads
	if len(seeds) > 0 {
		g.Go(func() error {
			startDownloads(gctx, manager, downloads, seeds, cfg.MaxParallel)

			return nil
		})
	}

	err = g.Wait()

	// Live transfers are cancelled and still report completion, which the queue
	// delivers before it stops.
	client.Close()
	queue.Close()

	logger.Info("download service stopped")

	return err
}

// loadSeeds reads the optional downloads file. It runs before anything is started
// so a bad file leaves nothing behind.
func loadSeeds(cfg *config.Config) ([]transfer.Request, error) {
	if cfg.DownloadsFile == "" {
		return nil, nil
	}

	reqs, err := config.LoadDownloads(cfg.DownloadsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load downloads file: %w", err)
	}

	return reqs, nil
}

// startDownloads runs the downloads listed in the downloads file, at most
// maxParallel at a time.
func startDownloads(ctx context.Context, m *downloader.Manager, h *rest.DownloadsHandler, reqs []transfer.Request, maxParallel int) {
	logger := logctx.LoggerFromContext(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for _, req := range reqs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			t, err := m.Start(ctx, req)
			if err != nil {
				logger.Error("failed to start download", "url", req.URL, "err", err)

				return nil
			}

			done := h.Track(ctx, t)
			t.Resume()

			select {
			case <-done:
			case <-ctx.Done():
			}

			return nil
		})
	}

	_ = g.Wait()

	logger.Info("downloads file processed", "count", len(reqs))
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, downloads *rest.DownloadsHandler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", downloads.Routes())

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
