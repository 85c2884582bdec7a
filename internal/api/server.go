// Package api provides the read-only dashboard HTTP API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/gorilla/mux"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/storage"
)

// Service interfaces for dependency injection and testing

// QueryServiceInterface defines the dashboard queries
type QueryServiceInterface interface {
	GetStats(ctx context.Context) (*service.Stats, error)
	GetCoordinatorOverview(ctx context.Context) ([]*service.CoordinatorOverview, error)
	GetRecent(ctx context.Context, limit int, coordinatorID *int64, confirmedOnly *bool) ([]*models.CoinjoinTransaction, error)
	GetByTxID(ctx context.Context, txid string) (*models.CoinjoinTransaction, error)
	GetFiltered(ctx context.Context, input service.FilterInput) (*service.FilteredCoinjoins, error)
	GetDailyVolume(ctx context.Context, days int) ([]storage.DailyVolume, error)
	ResolveCoordinator(ctx context.Context, ref string) (*int64, error)
}

// TxStatusProvider looks up live transaction status on the indexer
type TxStatusProvider interface {
	GetTransactionStatus(ctx context.Context, txid string) (*adapter.IndexerTxStatus, error)
	IsHealthy(ctx context.Context) bool
	Health() *adapter.ProviderHealth
}

// NodeMonitor reports node reachability and mempool size
type NodeMonitor interface {
	IsHealthy(ctx context.Context) bool
	GetMempoolInfo(ctx context.Context) (*btcjson.GetMempoolInfoResult, error)
	Health() *adapter.ProviderHealth
}

// CacheStatsReporter reports dashboard cache effectiveness
type CacheStatsReporter interface {
	Stats() storage.CacheStats
}

// Backends are the optional dependencies surfaced by /health.
// Nil fields are omitted from the health report; a nil Indexer also disables
// the live status route.
type Backends struct {
	Indexer TxStatusProvider
	Node    NodeMonitor
	Cache   CacheStatsReporter
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	queryService QueryServiceInterface
	indexer      TxStatusProvider
	node         NodeMonitor
	cache        CacheStatsReporter
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	HealthTimeout     time.Duration
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, queryService QueryServiceInterface, backends Backends) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		queryService: queryService,
		indexer:      backends.Indexer,
		node:         backends.Node,
		cache:        backends.Cache,
		config:       config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Order matters
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stats", s.handleGetStats).Methods("GET", "OPTIONS")
	api.HandleFunc("/stats/daily", s.handleGetDailyVolume).Methods("GET", "OPTIONS")
	api.HandleFunc("/coordinators", s.handleGetCoordinators).Methods("GET", "OPTIONS")

	api.HandleFunc("/coinjoins", s.handleListCoinjoins).Methods("GET", "OPTIONS")
	api.HandleFunc("/coinjoins/recent", s.handleRecentCoinjoins).Methods("GET", "OPTIONS")
	api.HandleFunc("/coinjoins/{txid}", s.handleGetCoinjoin).Methods("GET", "OPTIONS")
	api.HandleFunc("/coinjoins/{txid}/status", s.handleGetCoinjoinStatus).Methods("GET", "OPTIONS")
}

// handleHealth handles health check requests.
// Backend reachability is informational; the service itself stays healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := s.config.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := map[string]interface{}{
		"status":  "healthy",
		"service": "wabiview",
	}
	providers := make(map[string]*adapter.ProviderHealth)

	if s.node != nil {
		resp["node"] = s.node.IsHealthy(ctx)
		if info, err := s.node.GetMempoolInfo(ctx); err == nil {
			resp["mempool"] = map[string]int64{
				"size":  info.Size,
				"bytes": info.Bytes,
			}
		}
		providers["bitcoind"] = s.node.Health()
	}
	if s.indexer != nil {
		resp["indexer"] = s.indexer.IsHealthy(ctx)
		providers["electrs"] = s.indexer.Health()
	}
	if len(providers) > 0 {
		resp["providers"] = providers
	}
	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
	}

	respondJSON(w, http.StatusOK, resp)
}

// Handler returns the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
