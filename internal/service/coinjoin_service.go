package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/shopspring/decimal"

	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/storage"
)

// TransactionSource defines the node calls needed to record coinjoins
type TransactionSource interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, blockHash string) (*btcjson.GetBlockVerboseResult, error)
	GetRawTransaction(ctx context.Context, txid string) (*btcjson.TxRawResult, error)
}

// CoinjoinStore defines the coinjoin persistence used for recording and confirmation tracking
type CoinjoinStore interface {
	GetByTxID(ctx context.Context, txID string) (*models.CoinjoinTransaction, error)
	Create(ctx context.Context, cj *models.CoinjoinTransaction) (bool, error)
	ListUnconfirmed(ctx context.Context) ([]*models.CoinjoinTransaction, error)
	MarkConfirmed(ctx context.Context, txID, blockHash string, blockHeight int64, confirmedAt time.Time) error
	RefreshConfirmations(ctx context.Context, height int64) (int64, error)
}

// ConfirmationResult summarizes one confirmation refresh
type ConfirmationResult struct {
	Height         int64
	NewlyConfirmed int
	Refreshed      int64
}

// CoinjoinService records coinjoin transactions and tracks their confirmations
type CoinjoinService struct {
	node  TransactionSource
	store CoinjoinStore
	now   func() time.Time
}

// NewCoinjoinService creates a new coinjoin service
func NewCoinjoinService(node TransactionSource, store CoinjoinStore) *CoinjoinService {
	return &CoinjoinService{
		node:  node,
		store: store,
		now:   time.Now,
	}
}

// RecordCoinjoin stores the coinjoin with the given tx id.
// An already stored coinjoin is returned unchanged with created=false.
func (s *CoinjoinService) RecordCoinjoin(ctx context.Context, txid string, coordinatorID *int64, roundID *string) (*models.CoinjoinTransaction, bool, error) {
	existing, err := s.findExisting(ctx, txid)
	if err != nil || existing != nil {
		return existing, false, err
	}

	tx, err := s.node.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, false, err
	}
	if tx == nil {
		return nil, false, errors.NewNotFoundError("transaction", txid)
	}
	return s.create(ctx, txid, tx, coordinatorID, roundID)
}

// RecordTransaction stores a coinjoin from a transaction the caller already fetched
func (s *CoinjoinService) RecordTransaction(ctx context.Context, txid string, tx *btcjson.TxRawResult, coordinatorID *int64, roundID *string) (*models.CoinjoinTransaction, bool, error) {
	existing, err := s.findExisting(ctx, txid)
	if err != nil || existing != nil {
		return existing, false, err
	}
	return s.create(ctx, txid, tx, coordinatorID, roundID)
}

func (s *CoinjoinService) findExisting(ctx context.Context, txid string) (*models.CoinjoinTransaction, error) {
	existing, err := s.store.GetByTxID(ctx, txid)
	if err == nil {
		return existing, nil
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.NewDatabaseError("get coinjoin", err)
	}
	return nil, nil
}

// create inserts the coinjoin built from tx. A block lookup failure leaves it
// unconfirmed for the next confirmation pass.
func (s *CoinjoinService) create(ctx context.Context, txid string, tx *btcjson.TxRawResult, coordinatorID *int64, roundID *string) (*models.CoinjoinTransaction, bool, error) {
	logger := logging.FromContext(ctx).WithField("txid", txid)

	now := s.now().UTC()
	cj := buildCoinjoin(tx, now)
	cj.TxID = txid
	cj.CoordinatorID = coordinatorID
	cj.RoundID = roundID

	if tx.BlockHash != "" {
		block, err := s.node.GetBlock(ctx, tx.BlockHash)
		if err != nil {
			logger.WithError(err).Warn("Failed to look up coinjoin block, recording unconfirmed")
		} else {
			height := block.Height
			cj.BlockHash = stringPtr(tx.BlockHash)
			cj.BlockHeight = &height
			cj.ConfirmedAt = timePtr(now)
			cj.Confirmations = int64(tx.Confirmations)
		}
	}

	created, err := s.store.Create(ctx, cj)
	if err != nil {
		return nil, false, errors.NewDatabaseError("create coinjoin", err)
	}
	if !created {
		// stored concurrently by another writer
		stored, err := s.store.GetByTxID(ctx, txid)
		if err != nil {
			return nil, false, errors.NewDatabaseError("get coinjoin", err)
		}
		return stored, false, nil
	}

	logger.WithFields(map[string]interface{}{
		"inputs":    cj.InputCount,
		"outputs":   cj.OutputCount,
		"confirmed": cj.IsConfirmed(),
	}).Info("Recorded coinjoin")

	return cj, true, nil
}

// UpdateConfirmations stamps block data on coinjoins that have been mined
// since the last pass and recomputes confirmation counts at the current height.
// Failures on a single transaction are logged and skipped.
func (s *CoinjoinService) UpdateConfirmations(ctx context.Context) (*ConfirmationResult, error) {
	height, err := s.node.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block count: %w", err)
	}

	unconfirmed, err := s.store.ListUnconfirmed(ctx)
	if err != nil {
		return nil, errors.NewDatabaseError("list unconfirmed coinjoins", err)
	}

	logger := logging.FromContext(ctx)
	result := &ConfirmationResult{Height: height}

	for _, cj := range unconfirmed {
		tx, err := s.node.GetRawTransaction(ctx, cj.TxID)
		if err != nil {
			logger.WithField("txid", cj.TxID).WithError(err).Warn("Failed to refresh coinjoin")
			continue
		}
		if tx == nil || tx.BlockHash == "" {
			continue
		}

		block, err := s.node.GetBlock(ctx, tx.BlockHash)
		if err != nil {
			logger.WithField("txid", cj.TxID).WithError(err).Warn("Failed to look up coinjoin block")
			continue
		}

		if err := s.store.MarkConfirmed(ctx, cj.TxID, tx.BlockHash, block.Height, s.now().UTC()); err != nil {
			logger.WithField("txid", cj.TxID).WithError(err).Warn("Failed to mark coinjoin confirmed")
			continue
		}
		result.NewlyConfirmed++
	}

	refreshed, err := s.store.RefreshConfirmations(ctx, height)
	if err != nil {
		return result, errors.NewDatabaseError("refresh confirmations", err)
	}
	result.Refreshed = refreshed

	return result, nil
}

// buildCoinjoin fills the fields derivable from the transaction alone.
// Fee and input value need prevout lookups and stay zero.
func buildCoinjoin(tx *btcjson.TxRawResult, now time.Time) *models.CoinjoinTransaction {
	shape := ShapeFromRaw(tx)

	var totalOutput int64
	for _, v := range shape.OutputValues {
		totalOutput += v
	}

	return &models.CoinjoinTransaction{
		FirstSeen:        now,
		InputCount:       shape.InputCount,
		OutputCount:      len(shape.OutputValues),
		TotalOutputValue: totalOutput,
		VSize:            int(tx.Vsize),
		FeeRate:          decimal.Zero,
	}
}
