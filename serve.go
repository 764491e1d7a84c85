package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-calendar/api"
	"prism-calendar/config"
	"prism-calendar/reconcile"
	"prism-calendar/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the calendar API and live stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := log.StandardLogger()

	// Spans are not exported; the provider issues the trace and span ids
	// that request logs carry.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	var rc *redis.Client
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	store, closeStore, err := openStorage(cfg, rc, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStore()

	registry := reconcile.NewRegistry(func(ctx context.Context, ownerID string) (reconcile.Feed, error) {
		sub, err := store.Subscribe(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		return sub, nil
	}, reconcile.Wholesale, cfg.SessionIdleTTL, logger)
	defer registry.Close()

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	}

	auth, err := newAuth(cfg.Auth, logger)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	api.NewServer(registry, store, auth, deduper, logger).Register(e)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- e.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// openStorage builds the table backend, the optional cache in front of it
// and the change notifier.
func openStorage(cfg config.Config, rc *redis.Client, logger *log.Logger) (*storage.Storage, func(), error) {
	closeFn := func() {}

	var table storage.Table
	switch cfg.Storage.Backend {
	case config.BackendAzure:
		t, err := storage.NewAzureTable(cfg.Storage.ConnectionString, cfg.Storage.TasksTable)
		if err != nil {
			return nil, nil, err
		}
		table = t
	case config.BackendSQLite:
		t, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		table = t
		closeFn = func() {
			if err := t.Close(); err != nil {
				logger.WithError(err).Warn("sqlite close failed")
			}
		}
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", cfg.Storage.Backend)
	}

	var notifier storage.Notifier = storage.NewLocalNotifier()
	if rc != nil {
		if cfg.Redis.CacheTTL > 0 {
			table = storage.NewCache(table, rc, cfg.Redis.CacheTTL)
		}
		notifier = storage.NewRedisNotifier(rc, cfg.Redis.ChannelPrefix, logger)
	}

	var publishers []storage.Publisher
	if cfg.Storage.EventsQueue != "" {
		qp, err := storage.NewQueuePublisher(cfg.Storage.ConnectionString, cfg.Storage.EventsQueue)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		publishers = append(publishers, qp)
	}

	logger.WithFields(log.Fields{
		"backend": cfg.Storage.Backend,
		"cache":   rc != nil && cfg.Redis.CacheTTL > 0,
		"queue":   cfg.Storage.EventsQueue,
	}).Info("storage ready")
	return storage.New(table, notifier, logger, publishers...), closeFn, nil
}

func newAuth(cfg config.Auth, logger *log.Logger) (*api.Auth, error) {
	if cfg.TestMode {
		logger.Warn("auth test mode enabled")
		return api.NewAuth(nil, api.AuthOptions{TestSecret: []byte(cfg.TestSecret)}), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthOptions{
		Audience:    cfg.Audience,
		Issuer:      cfg.Issuer(),
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}
