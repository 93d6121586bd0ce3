package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tipmeet/tippresence/internal/amqpwatch"
	"github.com/tipmeet/tippresence/internal/config"
	"github.com/tipmeet/tippresence/internal/httpapi"
	"github.com/tipmeet/tippresence/internal/presence"
	"github.com/tipmeet/tippresence/internal/storage"
	"github.com/tipmeet/tippresence/utils/logging"
	metrics "github.com/tipmeet/tippresence/utils/metrics-go"
)

const serviceName = "tippresence"

func main() {
	flagPointers := config.RegisterFlags()
	flag.Parse()

	cfg, err := flagPointers.ToConfig()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.InitLogger(serviceName, cfg.Logging)

	if err := metrics.InitMetricCreator(cfg.Metrics); err != nil {
		logger.Error("failed to initialize metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := buildStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to initialize storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	engine := presence.New(store, logger)

	var publisher *amqpwatch.Publisher
	if cfg.AMQP.Enabled {
		publisher = amqpwatch.New(cfg.AMQP.URL, cfg.AMQP.RoutingKey, logger)
		engine.Watch(publisher.Notify)
		defer publisher.Close()
	}

	server := httpapi.New(engine, logger, cfg.HTTP.Users)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("presence HTTP server listening", slog.String("address", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("http server error", slog.String("error", err.Error()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown timed out, forcing close", slog.String("error", err.Error()))
		httpServer.Close()
	}
}

// buildStore constructs the configured storage backend and returns a
// close function releasing its resources.
func buildStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), func() {}, nil
	case "redis", "":
		store, err := storage.NewRedisStore(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, errors.New("unknown storage backend: " + cfg.Backend)
	}
}
