// Package main provides the background worker entry point: the coordinator
// poller and the coinjoin scanner.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/config"
	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/registry"
	"github.com/wabiview/wabiview/internal/retry"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/storage"
	"github.com/wabiview/wabiview/internal/worker"
)

func main() {
	fmt.Println("WabiView Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	// Postgres may still be starting alongside the worker
	logger.Info("Connecting to databases...")
	var postgres *storage.PostgresDB
	retryConfig := retry.DefaultRetryConfig()
	retryConfig.ShouldRetry = errors.IsRetryable
	err = retry.Do(ctx, retryConfig, func(ctx context.Context, attempt int) error {
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return errors.NewDatabaseError("connect postgres", err)
		}
		postgres = db
		return nil
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Redis is only used to invalidate the API's cached projections
	var invalidator worker.DashboardInvalidator
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, dashboard cache will expire by TTL")
		} else {
			defer func() { _ = redis.Close() }()
			invalidator = storage.NewCacheService(redis, cfg.Cache.TTL)
		}
	}

	var archive worker.CoinjoinArchiver
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, coinjoins will not be archived")
		} else {
			defer func() { _ = clickhouse.Close() }()
			archive = storage.NewCoinjoinArchive(clickhouse)
		}
	}

	coordinatorRepo := storage.NewCoordinatorRepository(postgres)
	roundRepo := storage.NewRoundRepository(postgres)
	coinjoinRepo := storage.NewCoinjoinRepository(postgres)

	coordinatorClient := adapter.NewCoordinatorClient(cfg.Poller.RequestTimeout)
	coordinatorClient.StatusPath = cfg.Poller.StatusPath
	coordinatorClient.RoundsPath = cfg.Poller.RoundsPath

	node, err := adapter.NewBitcoinRPCClient(adapter.BitcoinRPCConfig{
		URL:      cfg.Bitcoin.URL(),
		User:     cfg.Bitcoin.User,
		Password: cfg.Bitcoin.Password,
		Timeout:  cfg.Bitcoin.Timeout,
		Breaker:  adapter.NewNodeBreaker(5, cfg.Scanner.Interval),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create bitcoind client")
	}
	defer node.Close()
	if !node.IsHealthy(ctx) {
		logger.Warn("Bitcoin node is not reachable yet; scanning will retry each tick")
	}

	reg := registry.New()
	poller, err := worker.NewCoordinatorPoller(&worker.CoordinatorPollerConfig{
		Store:        coordinatorRepo,
		Client:       coordinatorClient,
		Rounds:       service.NewRoundReconciler(roundRepo),
		Cache:        invalidator,
		Registry:     reg,
		BaseInterval: cfg.Poller.BaseInterval,
		MaxInterval:  cfg.Poller.MaxInterval,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create coordinator poller")
	}

	scanner, err := worker.NewCoinjoinScanner(&worker.CoinjoinScannerConfig{
		Rounds:            roundRepo,
		Known:             coinjoinRepo,
		Node:              node,
		Recorder:          service.NewCoinjoinService(node, coinjoinRepo),
		Cache:             invalidator,
		Archive:           archive,
		StartupDelay:      cfg.Scanner.StartupDelay,
		Interval:          cfg.Scanner.Interval,
		AttributionWindow: cfg.Scanner.AttributionWindow,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create coinjoin scanner")
	}

	if err := poller.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start coordinator poller")
	}
	if err := scanner.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start coinjoin scanner")
	}

	logger.WithFields(map[string]interface{}{
		"coordinators": len(reg.Coordinators()),
		"cache":        invalidator != nil,
		"archive":      archive != nil,
	}).Info("Workers started")

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := poller.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping coordinator poller")
	}
	if err := scanner.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping coinjoin scanner")
	}

	logger.Info("All workers stopped. Goodbye!")
}
