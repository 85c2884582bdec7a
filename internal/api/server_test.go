package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/google/uuid"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/storage"
)

// Mock services for testing
type mockQueryService struct {
	getStatsFunc        func(ctx context.Context) (*service.Stats, error)
	getCoordinatorsFunc func(ctx context.Context) ([]*service.CoordinatorOverview, error)
	getRecentFunc       func(ctx context.Context, limit int, coordinatorID *int64, confirmedOnly *bool) ([]*models.CoinjoinTransaction, error)
	getByTxIDFunc       func(ctx context.Context, txid string) (*models.CoinjoinTransaction, error)
	getFilteredFunc     func(ctx context.Context, input service.FilterInput) (*service.FilteredCoinjoins, error)
	getDailyVolumeFunc  func(ctx context.Context, days int) ([]storage.DailyVolume, error)
	resolveFunc         func(ctx context.Context, ref string) (*int64, error)
}

func (m *mockQueryService) ResolveCoordinator(ctx context.Context, ref string) (*int64, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, ref)
	}
	if ref == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, errors.NewInvalidParameterError("coordinator", "unknown coordinator")
	}
	return &id, nil
}

func (m *mockQueryService) GetStats(ctx context.Context) (*service.Stats, error) {
	if m.getStatsFunc != nil {
		return m.getStatsFunc(ctx)
	}
	return &service.Stats{}, nil
}

func (m *mockQueryService) GetCoordinatorOverview(ctx context.Context) ([]*service.CoordinatorOverview, error) {
	if m.getCoordinatorsFunc != nil {
		return m.getCoordinatorsFunc(ctx)
	}
	return []*service.CoordinatorOverview{}, nil
}

func (m *mockQueryService) GetRecent(ctx context.Context, limit int, coordinatorID *int64, confirmedOnly *bool) ([]*models.CoinjoinTransaction, error) {
	if m.getRecentFunc != nil {
		return m.getRecentFunc(ctx, limit, coordinatorID, confirmedOnly)
	}
	return []*models.CoinjoinTransaction{}, nil
}

func (m *mockQueryService) GetByTxID(ctx context.Context, txid string) (*models.CoinjoinTransaction, error) {
	if m.getByTxIDFunc != nil {
		return m.getByTxIDFunc(ctx, txid)
	}
	return nil, errors.NewNotFoundError("coinjoin", txid)
}

func (m *mockQueryService) GetFiltered(ctx context.Context, input service.FilterInput) (*service.FilteredCoinjoins, error) {
	if m.getFilteredFunc != nil {
		return m.getFilteredFunc(ctx, input)
	}
	return &service.FilteredCoinjoins{Items: []*models.CoinjoinTransaction{}, Page: 1, PageSize: 20}, nil
}

func (m *mockQueryService) GetDailyVolume(ctx context.Context, days int) ([]storage.DailyVolume, error) {
	if m.getDailyVolumeFunc != nil {
		return m.getDailyVolumeFunc(ctx, days)
	}
	return nil, service.ErrArchiveDisabled
}

type mockIndexer struct {
	healthy       bool
	getStatusFunc func(ctx context.Context, txid string) (*adapter.IndexerTxStatus, error)
}

func (m *mockIndexer) GetTransactionStatus(ctx context.Context, txid string) (*adapter.IndexerTxStatus, error) {
	if m.getStatusFunc != nil {
		return m.getStatusFunc(ctx, txid)
	}
	return &adapter.IndexerTxStatus{}, nil
}

func (m *mockIndexer) IsHealthy(ctx context.Context) bool {
	return m.healthy
}

func (m *mockIndexer) Health() *adapter.ProviderHealth {
	return &adapter.ProviderHealth{Provider: "electrs", IsHealthy: m.healthy}
}

type mockNode struct {
	healthy    bool
	mempoolErr error
}

func (m *mockNode) IsHealthy(ctx context.Context) bool {
	return m.healthy
}

func (m *mockNode) GetMempoolInfo(ctx context.Context) (*btcjson.GetMempoolInfoResult, error) {
	if m.mempoolErr != nil {
		return nil, m.mempoolErr
	}
	return &btcjson.GetMempoolInfoResult{Size: 3200, Bytes: 1_500_000}, nil
}

func (m *mockNode) Health() *adapter.ProviderHealth {
	return &adapter.ProviderHealth{Provider: "bitcoind", IsHealthy: m.healthy, CircuitState: "closed"}
}

type mockCacheStats struct{}

func (mockCacheStats) Stats() storage.CacheStats {
	return storage.CacheStats{Hits: 9, Misses: 3}
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:              "localhost",
		Port:              "0",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
	}
}

func createTestServer() *Server {
	return NewServer(testServerConfig(), &mockQueryService{}, Backends{
		Indexer: &mockIndexer{healthy: true},
		Node:    &mockNode{healthy: false, mempoolErr: fmt.Errorf("connection refused")},
	})
}

func createTestServerWith(qs *mockQueryService, indexer *mockIndexer) *Server {
	backends := Backends{Node: &mockNode{healthy: true}}
	if indexer != nil {
		backends.Indexer = indexer
	}
	return NewServer(testServerConfig(), qs, backends)
}

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", response["status"])
	}
	if response["indexer"] != true {
		t.Errorf("Expected indexer true, got %v", response["indexer"])
	}
	if response["node"] != false {
		t.Errorf("Expected node false, got %v", response["node"])
	}
	if _, ok := response["mempool"]; ok {
		t.Error("Expected no mempool field when the node cannot answer")
	}
	if _, ok := response["cache"]; ok {
		t.Error("Expected no cache field without a cache")
	}
}

// TestHealthEndpoint_Details reports mempool, provider and cache statistics
func TestHealthEndpoint_Details(t *testing.T) {
	server := NewServer(testServerConfig(), &mockQueryService{}, Backends{
		Indexer: &mockIndexer{healthy: true},
		Node:    &mockNode{healthy: true},
		Cache:   mockCacheStats{},
	})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var response struct {
		Node      bool                              `json:"node"`
		Mempool   map[string]int64                  `json:"mempool"`
		Providers map[string]adapter.ProviderHealth `json:"providers"`
		Cache     storage.CacheStats                `json:"cache"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !response.Node {
		t.Error("Expected node true")
	}
	if response.Mempool["size"] != 3200 || response.Mempool["bytes"] != 1_500_000 {
		t.Errorf("Unexpected mempool %v", response.Mempool)
	}
	if response.Providers["bitcoind"].CircuitState != "closed" {
		t.Errorf("Expected bitcoind circuit state, got %+v", response.Providers["bitcoind"])
	}
	if !response.Providers["electrs"].IsHealthy {
		t.Errorf("Expected electrs provider stats, got %+v", response.Providers)
	}
	if response.Cache != (storage.CacheStats{Hits: 9, Misses: 3}) {
		t.Errorf("Unexpected cache stats %+v", response.Cache)
	}
}

// TestRequestIDMiddleware tags responses with a request id
func TestRequestIDMiddleware(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("Expected generated request id, got %q", w.Header().Get("X-Request-ID"))
	}

	given := uuid.NewString()
	req = httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("X-Request-ID", given)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != given {
		t.Errorf("Expected request id %q to be kept, got %q", given, got)
	}

	req = httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("X-Request-ID", "not a uuid")
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got == "not a uuid" {
		t.Error("Expected malformed request id to be replaced")
	}
}

// TestHealthEndpoint_NoBackends omits backend fields when none are configured
func TestHealthEndpoint_NoBackends(t *testing.T) {
	server := NewServer(testServerConfig(), &mockQueryService{}, Backends{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := response["node"]; ok {
		t.Error("Expected no node field")
	}
	if _, ok := response["indexer"]; ok {
		t.Error("Expected no indexer field")
	}
}

// TestCORSMiddleware tests CORS headers and preflight handling
func TestCORSMiddleware(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("OPTIONS", "/api/stats", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin '*', got %q", got)
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight status 204, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/stats", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Errorf("Expected GET, OPTIONS, got %q", got)
	}
}

// TestRecoveryMiddleware tests that panics become 500 responses
func TestRecoveryMiddleware(t *testing.T) {
	qs := &mockQueryService{
		getStatsFunc: func(ctx context.Context) (*service.Stats, error) {
			panic("boom")
		},
	}
	server := createTestServerWith(qs, nil)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

// TestRateLimitMiddleware tests per-client limiting
func TestRateLimitMiddleware(t *testing.T) {
	cfg := testServerConfig()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 2
	server := NewServer(cfg, &mockQueryService{}, Backends{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/stats", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("Expected first two requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected third request to be limited, got %d", codes[2])
	}

	// a different client has its own bucket
	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected other client to pass, got %d", w.Code)
	}
}

// TestCompressionMiddleware tests gzip encoding when accepted
func TestCompressionMiddleware(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Expected gzip encoding, got %q", got)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:41000"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Errorf("clientIP() = %q, want 192.0.2.7", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP() = %q, want 203.0.113.9", got)
	}
}
