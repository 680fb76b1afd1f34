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
	"woosync/internal/config"
	"woosync/internal/database"
	"woosync/internal/lock"
	"woosync/internal/logging"
	"woosync/internal/metrics"
	"woosync/internal/pricing"
	syncpkg "woosync/internal/sync"
	"woosync/internal/woo"
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
	logger := logging.WithComponent(baseLogger, "worker-main")

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Failed to create database directory")
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
	syncer.Register()

	registerSinkWebhooks(ctx, cfg, db, &logger)
	go purgeLoop(ctx, cfg, db, &logger)

	logger.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("Worker started")
	dispatcher.Run(ctx)

	logger.Info().Msg("Shutdown complete.")
	return nil
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

// registerSinkWebhooks makes sure every active tenant's sink delivers
// change notifications to our intake endpoint.
func registerSinkWebhooks(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) {
	if cfg.Webhook.PublicBaseURL == "" {
		logger.Debug().Msg("No public base URL configured, skipping webhook registration")
		return
	}

	instances, err := db.ListInstances(ctx, true)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list instances for webhook registration")
		return
	}

	for _, instance := range instances {
		client := woo.NewClient(instance, logger)
		deliveryURL := fmt.Sprintf("%s/webhook/%d", cfg.Webhook.PublicBaseURL, instance.ID)
		if err := client.EnsureWebhooks(ctx, deliveryURL, instance.WebhookSecret, woo.DefaultTopics, logger); err != nil {
			logger.Warn().Err(err).Int64("tenant_id", instance.ID).Msg("Webhook registration failed")
		}
	}
}

// purgeLoop trims processed webhook events past the retention window.
func purgeLoop(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) {
	retention := time.Duration(cfg.Webhook.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeWebhookEvents(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error().Err(err).Msg("Webhook purge failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("purged", n).Msg("Webhook events purged")
			}
		}
	}
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
