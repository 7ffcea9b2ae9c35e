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

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/fpmatch/internal/api"
	"github.com/your-org/fpmatch/internal/api/handlers"
	"github.com/your-org/fpmatch/internal/api/ws"
	"github.com/your-org/fpmatch/internal/config"
	"github.com/your-org/fpmatch/internal/lock"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/observability"
	"github.com/your-org/fpmatch/internal/queue"
	"github.com/your-org/fpmatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fpmatch api exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := observability.SetupLogger(observability.LogOptions{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		MaxAge: cfg.Logging.MaxAge,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting fingerprint API", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	engine, err := matcher.New(store, cfg.MatcherOptions(), logger.With("component", "matcher"))
	if err != nil {
		return err
	}
	opts := engine.Options()
	slog.Info("matcher ready",
		"threshold", opts.Threshold,
		"length_policy", opts.LengthPolicy,
		"registration_policy", opts.RegistrationPolicy,
		"record_attendance", opts.RecordAttendance,
	)

	checks := map[string]handlers.Check{}
	routerCfg := api.RouterConfig{
		APIKey:    cfg.Server.APIKey,
		JWTSecret: cfg.Server.JWTSecret,
		Engine:    engine,
		Store:     store,
		Locker:    lock.Noop{},
		Checks:    checks,
	}

	if cfg.Redis.Addr != "" {
		locker, err := lock.NewRedisLocker(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer locker.Close()
		routerCfg.Locker = locker
		checks["redis"] = locker.Ping
	}

	if cfg.MinIO.Endpoint != "" {
		archive, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			return fmt.Errorf("connect to minio: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		routerCfg.Archive = archive
		routerCfg.ArchiveProbes = cfg.MinIO.ArchiveProbes
		checks["minio"] = archive.Ping
	}

	g, gctx := errgroup.WithContext(ctx)

	hub := ws.NewHub()
	routerCfg.Hub = hub
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// Without NATS the hub receives decisions directly from the handlers.
	routerCfg.Publisher = hub
	if cfg.NATS.URL != "" {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		routerCfg.Publisher = producer
		checks["nats"] = func(context.Context) error { return producer.Ping() }

		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer consumer.Close()

		// Each replica needs every event for its own WebSocket clients.
		host, _ := os.Hostname()
		err = consumer.ConsumeEvents(gctx, "api-ws-"+host, func(ctx context.Context, ev models.FingerprintEvent) error {
			return hub.PublishEvent(ctx, ev)
		})
		if err != nil {
			slog.Warn("start event consumer", "error", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("API server stopped")
	return nil
}
