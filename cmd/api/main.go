package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"woosync/internal/alerts"
	"woosync/internal/api"
	"woosync/internal/config"
	"woosync/internal/database"
	"woosync/internal/export"
	"woosync/internal/lock"
	"woosync/internal/logging"
	"woosync/internal/metrics"
	"woosync/internal/pricing"
	syncpkg "woosync/internal/sync"
	"woosync/internal/webhook"
	"woosync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	syncpkg.SetModifiedTolerance(time.Duration(cfg.Sync.ModifiedTolerSec) * time.Second)
	pricing.SetRoundDecimals(cfg.Pricing.RoundDecimals)

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := logging.WithComponent(baseLogger, "api-main")

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	redisClient := connectRedis(ctx, cfg, &logger)
	broker := buildBroker(redisClient, &logger)
	notifier := buildNotifier(cfg, &logger)

	retry := worker.RetryPolicy{
		MaxRetries:    cfg.Worker.MaxRetries,
		InitialDelay:  time.Duration(cfg.Worker.RetryBaseSec) * time.Second,
		MaxDelay:      time.Duration(cfg.Worker.RetryMaxSec) * time.Second,
		BackoffFactor: 2,
	}
	dispatcher := worker.NewDispatcher(db, redisClient, notifier, retry,
		cfg.Worker.Concurrency, cfg.Worker.QueueSize, &logger)

	syncer := worker.NewSyncer(db, broker, dispatcher, notifier, &logger,
		time.Duration(cfg.Sync.LockTTLSec)*time.Second,
		time.Duration(cfg.Sync.LockWaitSec)*time.Second,
		cfg.Sync.PageSize)

	// The fallback keeps deliveries alive when the queue is down.
	gateway := webhook.NewGateway(db, dispatcher, syncer.ProcessWebhook,
		time.Duration(cfg.Webhook.DedupWindowMinutes)*time.Minute, &logger)

	exporter := export.NewExporter(db, cfg.Exports.Path, &logger)
	handlers := api.NewHandlers(db, gateway, dispatcher, syncer, exporter, &logger)
	server := api.NewHTTPServer(cfg.API, handlers, &logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	metrics.Register()
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort), Handler: mux}

	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Failed to create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("Failed to create exports directory")
		return err
	}
	return nil
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Warn().Msg("Redis not configured, queue and locks run degraded")
		return nil
	}
	client := lock.NewRedisClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}
	return client
}

func buildBroker(redisClient *redis.Client, logger *zerolog.Logger) lock.Broker {
	if redisClient == nil {
		return lock.NewNoopBroker(logger)
	}
	return lock.NewFailoverBroker(lock.NewRedisBroker(redisClient, logger), logger)
}

func buildNotifier(cfg *config.Config, logger *zerolog.Logger) *alerts.Notifier {
	var channels []alerts.Channel
	if cfg.Alerts.Telegram.Enabled {
		channel, err := alerts.NewTelegramChannel(cfg.Alerts.Telegram)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize telegram alerts")
		} else {
			channels = append(channels, channel)
		}
	}
	if cfg.Alerts.Webhook.Enabled {
		channels = append(channels, alerts.NewWebhookChannel(cfg.Alerts.Webhook.URL))
	}
	return alerts.NewNotifier(channels, time.Duration(cfg.Alerts.ThrottleSec)*time.Second, logger)
}
