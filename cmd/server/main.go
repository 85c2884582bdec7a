// Package main provides the dashboard API server entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/api"
	"github.com/wabiview/wabiview/internal/config"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/registry"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/storage"
)

func main() {
	fmt.Println("WabiView API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "server")
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	// Connect to Postgres
	logger.Info("Connecting to databases...")
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Redis is optional; without it every query hits Postgres
	var cacheService *storage.CacheService
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, serving uncached")
		} else {
			defer func() { _ = redis.Close() }()
			cacheService = storage.NewCacheService(redis, cfg.Cache.TTL)
		}
	}

	// ClickHouse backs the daily volume series only
	var archive service.VolumeArchive
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, daily volume disabled")
		} else {
			defer func() { _ = clickhouse.Close() }()
			archive = storage.NewCoinjoinArchive(clickhouse)
		}
	}

	logger.Info("Database connections established")

	// Initialize repositories and services
	coordinatorRepo := storage.NewCoordinatorRepository(postgres)
	roundRepo := storage.NewRoundRepository(postgres)
	coinjoinRepo := storage.NewCoinjoinRepository(postgres)

	queryService := service.NewQueryService(coinjoinRepo, coordinatorRepo, registry.New(), roundRepo, archive, cacheService)

	node, err := adapter.NewBitcoinRPCClient(adapter.BitcoinRPCConfig{
		URL:      cfg.Bitcoin.URL(),
		User:     cfg.Bitcoin.User,
		Password: cfg.Bitcoin.Password,
		Timeout:  cfg.Bitcoin.Timeout,
		Breaker:  adapter.NewNodeBreaker(5, 30*time.Second),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create bitcoind client")
	}
	defer node.Close()
	indexer := adapter.NewElectrsClient(cfg.Electrs.URL(), cfg.Electrs.Timeout)

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		HealthTimeout:     5 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}

	backends := api.Backends{Indexer: indexer, Node: node}
	if cacheService != nil {
		backends.Cache = cacheService
	}
	server := api.NewServer(serverConfig, queryService, backends)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"cache":   cacheService != nil,
		"archive": archive != nil,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
