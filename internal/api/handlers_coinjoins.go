package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/mux"

	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/service"
)

// coinjoinView adds display fields to a stored coinjoin
type coinjoinView struct {
	*models.CoinjoinTransaction
	Confirmed    bool    `json:"confirmed"`
	FeeEstimated bool    `json:"feeEstimated"`
	TotalBTC     float64 `json:"totalOutputBtc"`
}

func newCoinjoinView(cj *models.CoinjoinTransaction) *coinjoinView {
	return &coinjoinView{
		CoinjoinTransaction: cj,
		Confirmed:           cj.IsConfirmed(),
		FeeEstimated:        false,
		TotalBTC:            btcutil.Amount(cj.TotalOutputValue).ToBTC(),
	}
}

func newCoinjoinViews(items []*models.CoinjoinTransaction) []*coinjoinView {
	views := make([]*coinjoinView, 0, len(items))
	for _, cj := range items {
		views = append(views, newCoinjoinView(cj))
	}
	return views
}

// handleListCoinjoins handles GET /api/coinjoins - filtered, paginated list
func (s *Server) handleListCoinjoins(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	coordinatorID, err := s.queryService.ResolveCoordinator(r.Context(), q.Get("coordinator"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.queryService.GetFiltered(r.Context(), service.FilterInput{
		Page:          parseIntDefault(q.Get("page"), 1),
		PageSize:      parseIntDefault(q.Get("pageSize"), service.DefaultPageSize),
		CoordinatorID: coordinatorID,
		Status:        q.Get("status"),
		Search:        q.Get("search"),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":      newCoinjoinViews(result.Items),
		"totalCount": result.TotalCount,
		"page":       result.Page,
		"pageSize":   result.PageSize,
		"totalPages": result.TotalPages,
	})
}

// handleRecentCoinjoins handles GET /api/coinjoins/recent
func (s *Server) handleRecentCoinjoins(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	coordinatorID, err := s.queryService.ResolveCoordinator(r.Context(), q.Get("coordinator"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var confirmedOnly *bool
	if raw := q.Get("confirmed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("confirmed", "must be true or false"))
			return
		}
		confirmedOnly = &v
	}

	items, err := s.queryService.GetRecent(r.Context(), parseIntDefault(q.Get("limit"), service.DefaultRecentLimit), coordinatorID, confirmedOnly)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newCoinjoinViews(items))
}

// handleGetCoinjoin handles GET /api/coinjoins/{txid}
func (s *Server) handleGetCoinjoin(w http.ResponseWriter, r *http.Request) {
	txid, ok := txidFromPath(w, r)
	if !ok {
		return
	}

	cj, err := s.queryService.GetByTxID(r.Context(), txid)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newCoinjoinView(cj))
}

// handleGetCoinjoinStatus handles GET /api/coinjoins/{txid}/status - live indexer lookup
func (s *Server) handleGetCoinjoinStatus(w http.ResponseWriter, r *http.Request) {
	txid, ok := txidFromPath(w, r)
	if !ok {
		return
	}
	if s.indexer == nil {
		respondServiceError(w, r, errors.NewServiceUnavailableError("indexer"))
		return
	}

	status, err := s.indexer.GetTransactionStatus(r.Context(), txid)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// txidFromPath validates the {txid} path variable, writing a 400 when malformed
func txidFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	txid := strings.ToLower(strings.TrimSpace(mux.Vars(r)["txid"]))
	if _, err := chainhash.NewHashFromStr(txid); err != nil || len(txid) != chainhash.MaxHashStringSize {
		respondServiceError(w, r, errors.NewInvalidTxIDError(txid))
		return "", false
	}
	return txid, true
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
