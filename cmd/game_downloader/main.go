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
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/italolelis/game_downloader/internal/cleanup"
	"github.com/italolelis/game_downloader/internal/config"
	"github.com/italolelis/game_downloader/internal/debrid"
	"github.com/italolelis/game_downloader/internal/debrid/putio"
	"github.com/italolelis/game_downloader/internal/debrid/realdebrid"
	"github.com/italolelis/game_downloader/internal/downloader"
	"github.com/italolelis/game_downloader/internal/http/rest"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/notifier"
	"github.com/italolelis/game_downloader/internal/queue"
	"github.com/italolelis/game_downloader/internal/storage"
	"github.com/italolelis/game_downloader/internal/storage/sqlite"
	"github.com/italolelis/game_downloader/internal/swarm"
	"github.com/italolelis/game_downloader/internal/telemetry"
	"github.com/italolelis/game_downloader/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()

	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("game downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// newLogger writes JSON to stdout and, when LOG_FILE is set, to a rotated file as well.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stdout, opts)}

	closer := func() {}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
			LocalTime:  true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotator, opts))
		closer = func() { _ = rotator.Close() }
	}

	return slog.New(logctx.NewTraceHandler(slogmulti.Fanout(handlers...))), closer
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     telemetry.NewInstanceID(),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	settings := sqlite.NewInstrumentedSettingsRepository(database, tel)

	queueCfg, err := storage.ResolveQueueConfig(ctx, settings, cfg.QueueConfig())
	if err != nil {
		logger.Warn("failed to load persisted queue config, using environment", "err", err)
	}

	// =========================================================================
	// Start Engines
	httpEngine := downloader.NewDownloader(
		downloader.WithInactivityTimeout(cfg.HTTPInactivityTimeout),
		downloader.WithTelemetry(tel),
	)

	swarmClient, err := swarm.NewAnacrolixClient(swarm.ClientConfig{
		DataDir:         cfg.TorrentDataDir,
		ListenPort:      cfg.TorrentListenPort,
		MaxDownloadRate: cfg.TorrentMaxDownloadRate,
		MaxUploadRate:   cfg.TorrentMaxUploadRate,
	})
	if err != nil {
		return fmt.Errorf("failed to start torrent client: %w", err)
	}

	torrentEngine := swarm.NewEngine(swarmClient,
		swarm.WithPollInterval(cfg.TorrentPollInterval),
		swarm.WithDataDir(cfg.TorrentDataDir),
	)

	// =========================================================================
	// Start Queue
	q, err := queue.New(ctx, queueCfg, map[transfer.Type]transfer.Engine{
		transfer.TypeHTTP:    httpEngine,
		transfer.TypeTorrent: torrentEngine,
	},
		queue.WithSettingsStore(settings),
		queue.WithTelemetry(tel),
		queue.WithDownloadDir(cfg.DownloadDir),
		queue.WithTorrentDataDir(cfg.TorrentDataDir),
	)
	if err != nil {
		return fmt.Errorf("failed to create download queue: %w", err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("failed to close download queue", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })

	// =========================================================================
	// Start Debrid
	stream := rest.NewEventStream(q)

	manager := debrid.NewManager([]debrid.Factory{
		putio.Factory(cfg.PutioToken, cfg.PutioFolder),
		realdebrid.Factory(cfg.RealDebridToken, cfg.RealDebridBaseURL),
	},
		debrid.WithPreferred(cfg.DebridProvider),
		debrid.WithTelemetry(tel),
	)

	registry := debrid.NewRegistry(ctx, manager, q,
		debrid.WithPollInterval(cfg.CachingPollInterval),
		debrid.WithRegistryTelemetry(tel),
		debrid.WithEventListener(stream.PublishCaching),
	)
	defer registry.Close()

	if providers := manager.Providers(ctx); len(providers) > 0 {
		logger.Info("debrid providers configured", "providers", providers, "preferred", cfg.DebridProvider)
	}

	// =========================================================================
	// Start Notification
	setupNotification(ctx, g, q, cfg)

	// =========================================================================
	// Start Cleanup
	retention, err := cleanup.NewRetention(ctx, q, cfg.KeepFinishedFor, cfg.CleanupInterval)
	if err != nil {
		return fmt.Errorf("failed to setup cleanup: %w", err)
	}

	retention.Start()

	defer func() {
		if err := retention.Stop(); err != nil {
			logger.Error("failed to stop cleanup scheduler", "err", err)
		}
	}()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, q, registry, torrentEngine, stream)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"torrent_data_dir", cfg.TorrentDataDir,
		"max_concurrent_downloads", queueCfg.MaxConcurrentDownloads,
		"retention", cfg.KeepFinishedFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-gctx.Done():
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

		if err := g.Wait(); err != nil {
			return err
		}

		return ctx.Err()
	}
}

func setupNotification(ctx context.Context, g *errgroup.Group, q *queue.Queue, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	events, unsubscribe := q.Subscribe(64)

	g.Go(func() error {
		defer unsubscribe()

		notifier.Watch(ctx, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), events, q)

		return nil
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	q *queue.Queue,
	registry *debrid.Registry,
	throttler rest.Throttler,
	stream *rest.EventStream,
) *http.Server {
	handler := rest.NewDownloadsHandler(q,
		rest.WithCaching(registry),
		rest.WithThrottler(throttler),
		rest.WithTorrentDir(cfg.TorrentDataDir),
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
		r.Use(telemetry.HTTPLogging)
		r.Mount("/api", handler.Routes())
	})

	r.Get("/events", stream.ServeHTTP)
	r.Handle("/metrics", tel.Handler())

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
