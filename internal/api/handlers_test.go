package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/storage"
	"github.com/wabiview/wabiview/internal/types"
)

const testTxID = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"

func sampleCoinjoin(confirmed bool) *models.CoinjoinTransaction {
	cj := &models.CoinjoinTransaction{
		ID:               1,
		TxID:             testTxID,
		FirstSeen:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		InputCount:       150,
		OutputCount:      180,
		TotalOutputValue: 250_000_000,
		VSize:            20000,
	}
	if confirmed {
		height := int64(831540)
		cj.BlockHeight = &height
		cj.Confirmations = 6
	}
	return cj
}

func doRequest(t *testing.T, server *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHandleGetStats(t *testing.T) {
	qs := &mockQueryService{
		getStatsFunc: func(ctx context.Context) (*service.Stats, error) {
			return &service.Stats{TotalCoinjoins: 42, Last24hCount: 3, Volume24hSats: 500_000_000, Volume24hBTC: 5}, nil
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/stats")

	require.Equal(t, http.StatusOK, w.Code)
	var stats service.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, int64(42), stats.TotalCoinjoins)
	assert.Equal(t, int64(3), stats.Last24hCount)
	assert.Equal(t, 5.0, stats.Volume24hBTC)
	assert.False(t, stats.FeeEstimated)
}

func TestHandleGetStats_DatabaseError(t *testing.T) {
	qs := &mockQueryService{
		getStatsFunc: func(ctx context.Context) (*service.Stats, error) {
			return nil, errors.NewDatabaseError("count coinjoins", fmt.Errorf("connection refused"))
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/stats")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "connection refused")
}

func TestHandleGetCoordinators(t *testing.T) {
	qs := &mockQueryService{
		getCoordinatorsFunc: func(ctx context.Context) ([]*service.CoordinatorOverview, error) {
			return []*service.CoordinatorOverview{
				{
					Coordinator:    &models.Coordinator{ID: 1, Name: "Kruw", URL: "https://coinjoin.kruw.io", IsOnline: true},
					TotalCoinjoins: 10,
					CurrentRound: &service.RoundSummary{
						RoundID: "r1",
						Phase:   types.PhaseDisplay{Phase: types.PhaseOutputRegistration},
					},
				},
			}, nil
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/coordinators")

	require.Equal(t, http.StatusOK, w.Code)
	var cards []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cards))
	require.Len(t, cards, 1)
	assert.Equal(t, "Kruw", cards[0]["name"])
	assert.Equal(t, true, cards[0]["isOnline"])

	round := cards[0]["currentRound"].(map[string]interface{})
	phase := round["phase"].(map[string]interface{})
	assert.Equal(t, "Output Registration", phase["name"])
	assert.Equal(t, float64(2), phase["value"])
}

func TestHandleListCoinjoins(t *testing.T) {
	var got service.FilterInput
	qs := &mockQueryService{
		getFilteredFunc: func(ctx context.Context, input service.FilterInput) (*service.FilteredCoinjoins, error) {
			got = input
			return &service.FilteredCoinjoins{
				Items:      []*models.CoinjoinTransaction{sampleCoinjoin(true)},
				TotalCount: 41,
				Page:       input.Page,
				PageSize:   input.PageSize,
				TotalPages: 5,
			}, nil
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/coinjoins?page=2&pageSize=10&coordinator=7&status=confirmed&search=a1b2")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, got.Page)
	assert.Equal(t, 10, got.PageSize)
	require.NotNil(t, got.CoordinatorID)
	assert.Equal(t, int64(7), *got.CoordinatorID)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, "a1b2", got.Search)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(41), resp["totalCount"])
	assert.Equal(t, float64(5), resp["totalPages"])
	items := resp["items"].([]interface{})
	require.Len(t, items, 1)
	item := items[0].(map[string]interface{})
	assert.Equal(t, testTxID, item["txId"])
	assert.Equal(t, true, item["confirmed"])
	assert.Equal(t, false, item["feeEstimated"])
	assert.Equal(t, 2.5, item["totalOutputBtc"])
}

func TestHandleListCoinjoins_Defaults(t *testing.T) {
	var got service.FilterInput
	qs := &mockQueryService{
		getFilteredFunc: func(ctx context.Context, input service.FilterInput) (*service.FilteredCoinjoins, error) {
			got = input
			return &service.FilteredCoinjoins{Items: []*models.CoinjoinTransaction{}}, nil
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/coinjoins?page=abc")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, got.Page)
	assert.Equal(t, service.DefaultPageSize, got.PageSize)
	assert.Nil(t, got.CoordinatorID)
}

func TestHandleListCoinjoins_InvalidCoordinator(t *testing.T) {
	w := doRequest(t, createTestServer(), "/api/coinjoins?coordinator=nobody")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PARAMETER", decodeError(t, w).Error.Code)
}

func TestHandleCoinjoins_CoordinatorByName(t *testing.T) {
	var gotRef string
	var listed, recent *int64
	qs := &mockQueryService{
		resolveFunc: func(ctx context.Context, ref string) (*int64, error) {
			gotRef = ref
			id := int64(7)
			return &id, nil
		},
		getFilteredFunc: func(ctx context.Context, input service.FilterInput) (*service.FilteredCoinjoins, error) {
			listed = input.CoordinatorID
			return &service.FilteredCoinjoins{Items: []*models.CoinjoinTransaction{}}, nil
		},
		getRecentFunc: func(ctx context.Context, limit int, coordinatorID *int64, confirmedOnly *bool) ([]*models.CoinjoinTransaction, error) {
			recent = coordinatorID
			return []*models.CoinjoinTransaction{}, nil
		},
	}
	server := createTestServerWith(qs, nil)

	w := doRequest(t, server, "/api/coinjoins?coordinator=Kruw")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Kruw", gotRef)
	require.NotNil(t, listed)
	assert.Equal(t, int64(7), *listed)

	w = doRequest(t, server, "/api/coinjoins/recent?coordinator=Kruw")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, recent)
	assert.Equal(t, int64(7), *recent)
}

func TestHandleCoinjoins_UnseededCoordinator(t *testing.T) {
	qs := &mockQueryService{
		resolveFunc: func(ctx context.Context, ref string) (*int64, error) {
			return nil, errors.NewNotFoundError("coordinator", ref)
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/coinjoins/recent?coordinator=OpenCoordinator")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRecentCoinjoins(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		wantStatus    int
		wantLimit     int
		wantConfirmed *bool
	}{
		{name: "defaults", query: "", wantStatus: http.StatusOK, wantLimit: service.DefaultRecentLimit},
		{name: "confirmed only", query: "?confirmed=true&limit=5", wantStatus: http.StatusOK, wantLimit: 5, wantConfirmed: boolPtr(true)},
		{name: "explicit false", query: "?confirmed=false", wantStatus: http.StatusOK, wantLimit: service.DefaultRecentLimit, wantConfirmed: boolPtr(false)},
		{name: "invalid confirmed", query: "?confirmed=maybe", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotLimit int
			var gotConfirmed *bool
			called := false
			qs := &mockQueryService{
				getRecentFunc: func(ctx context.Context, limit int, coordinatorID *int64, confirmedOnly *bool) ([]*models.CoinjoinTransaction, error) {
					called = true
					gotLimit = limit
					gotConfirmed = confirmedOnly
					return []*models.CoinjoinTransaction{sampleCoinjoin(false)}, nil
				},
			}
			w := doRequest(t, createTestServerWith(qs, nil), "/api/coinjoins/recent"+tt.query)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.False(t, called)
				return
			}
			assert.Equal(t, tt.wantLimit, gotLimit)
			assert.Equal(t, tt.wantConfirmed, gotConfirmed)

			var items []map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&items))
			require.Len(t, items, 1)
			assert.Equal(t, false, items[0]["confirmed"])
		})
	}
}

func TestHandleGetCoinjoin(t *testing.T) {
	var gotTxID string
	qs := &mockQueryService{
		getByTxIDFunc: func(ctx context.Context, txid string) (*models.CoinjoinTransaction, error) {
			gotTxID = txid
			return sampleCoinjoin(true), nil
		},
	}
	w := doRequest(t, createTestServerWith(qs, nil), "/api/coinjoins/"+strings.ToUpper(testTxID))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testTxID, gotTxID)

	var item map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&item))
	assert.Equal(t, float64(831540), item["blockHeight"])
	assert.Equal(t, float64(6), item["confirmations"])
}

func TestHandleGetCoinjoin_NotFound(t *testing.T) {
	w := doRequest(t, createTestServer(), "/api/coinjoins/"+testTxID)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, w).Error.Code)
}

func TestHandleGetCoinjoin_InvalidTxID(t *testing.T) {
	tests := []struct {
		name string
		txid string
	}{
		{name: "too short", txid: "abc123"},
		{name: "not hex", txid: strings.Repeat("zz", 32)},
		{name: "too long", txid: testTxID + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			qs := &mockQueryService{
				getByTxIDFunc: func(ctx context.Context, txid string) (*models.CoinjoinTransaction, error) {
					called = true
					return nil, nil
				},
			}
			w := doRequest(t, createTestServerWith(qs, nil), "/api/coinjoins/"+tt.txid)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_TXID", decodeError(t, w).Error.Code)
			assert.False(t, called)
		})
	}
}

func TestHandleGetCoinjoinStatus(t *testing.T) {
	indexer := &mockIndexer{
		healthy: true,
		getStatusFunc: func(ctx context.Context, txid string) (*adapter.IndexerTxStatus, error) {
			return &adapter.IndexerTxStatus{Confirmed: true, BlockHeight: 831540}, nil
		},
	}
	w := doRequest(t, createTestServerWith(&mockQueryService{}, indexer), "/api/coinjoins/"+testTxID+"/status")

	require.Equal(t, http.StatusOK, w.Code)
	var status adapter.IndexerTxStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.True(t, status.Confirmed)
	assert.Equal(t, int64(831540), status.BlockHeight)
}

func TestHandleGetCoinjoinStatus_Errors(t *testing.T) {
	t.Run("no indexer configured", func(t *testing.T) {
		server := NewServer(testServerConfig(), &mockQueryService{}, Backends{})
		w := doRequest(t, server, "/api/coinjoins/"+testTxID+"/status")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, ErrCodeServiceUnavailable, decodeError(t, w).Error.Code)
	})

	t.Run("indexer failure", func(t *testing.T) {
		indexer := &mockIndexer{
			getStatusFunc: func(ctx context.Context, txid string) (*adapter.IndexerTxStatus, error) {
				return nil, errors.NewProviderError("electrs", fmt.Errorf("502 from upstream"))
			},
		}
		w := doRequest(t, createTestServerWith(&mockQueryService{}, indexer), "/api/coinjoins/"+testTxID+"/status")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "PROVIDER_ERROR", decodeError(t, w).Error.Code)
	})
}

func TestHandleGetDailyVolume(t *testing.T) {
	var gotDays int
	qs := &mockQueryService{
		getDailyVolumeFunc: func(ctx context.Context, days int) ([]storage.DailyVolume, error) {
			gotDays = days
			return []storage.DailyVolume{
				{Day: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Count: 4, TotalOutputValue: 1_000_000_000},
			}, nil
		},
	}
	server := createTestServerWith(qs, nil)

	w := doRequest(t, server, "/api/stats/daily")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, gotDays)

	w = doRequest(t, server, "/api/stats/daily?days=7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, gotDays)

	var volume []storage.DailyVolume
	require.NoError(t, json.NewDecoder(w.Body).Decode(&volume))
	require.Len(t, volume, 1)
	assert.Equal(t, uint64(4), volume[0].Count)
}

func TestHandleGetDailyVolume_Errors(t *testing.T) {
	t.Run("archive disabled", func(t *testing.T) {
		w := doRequest(t, createTestServer(), "/api/stats/daily")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, ErrCodeServiceUnavailable, decodeError(t, w).Error.Code)
	})

	t.Run("invalid days", func(t *testing.T) {
		w := doRequest(t, createTestServer(), "/api/stats/daily?days=-3")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_PARAMETER", decodeError(t, w).Error.Code)
	})
}

func boolPtr(b bool) *bool {
	return &b
}
