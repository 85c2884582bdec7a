package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/storage"
)

// Default scan scheduling
const (
	DefaultScanInterval      = time.Minute
	DefaultAttributionWindow = 10 * time.Minute
)

// knownTxBatchSize bounds the tx ids checked against the store per query
const knownTxBatchSize = 1000

// ScannerRoundStore defines the round queries used for detection and attribution
type ScannerRoundStore interface {
	ListUnrecordedSuccessful(ctx context.Context) ([]*models.Round, error)
	FindAttributionCandidate(ctx context.Context, since time.Time) (*models.Round, error)
	SetTxID(ctx context.Context, id int64, txID string) (bool, error)
}

// KnownTxStore reports which tx ids are already stored as coinjoins
type KnownTxStore interface {
	ExistingTxIDs(ctx context.Context, txIDs []string) (map[string]struct{}, error)
}

// MempoolSource defines the node calls used by the mempool scan
type MempoolSource interface {
	GetRawMempool(ctx context.Context) ([]string, error)
	GetRawTransaction(ctx context.Context, txid string) (*btcjson.TxRawResult, error)
}

// CoinjoinRecorder records coinjoins and refreshes their confirmations
type CoinjoinRecorder interface {
	RecordCoinjoin(ctx context.Context, txid string, coordinatorID *int64, roundID *string) (*models.CoinjoinTransaction, bool, error)
	RecordTransaction(ctx context.Context, txid string, tx *btcjson.TxRawResult, coordinatorID *int64, roundID *string) (*models.CoinjoinTransaction, bool, error)
	UpdateConfirmations(ctx context.Context) (*service.ConfirmationResult, error)
}

// DashboardInvalidator drops cached dashboard projections
type DashboardInvalidator interface {
	InvalidateDashboard(ctx context.Context) error
}

// CoinjoinArchiver mirrors recorded coinjoins to the analytics archive
type CoinjoinArchiver interface {
	Insert(ctx context.Context, cj *models.CoinjoinTransaction) error
}

// ScanResult summarizes one scan tick
type ScanResult struct {
	FromRounds     int
	FromMempool    int
	Attributed     int
	NewlyConfirmed int
}

// CoinjoinScanner detects coinjoins from ended rounds and from the mempool
// and keeps their confirmation counts current
type CoinjoinScanner struct {
	rounds            ScannerRoundStore
	known             KnownTxStore
	node              MempoolSource
	recorder          CoinjoinRecorder
	cache             DashboardInvalidator
	archive           CoinjoinArchiver
	startupDelay      time.Duration
	interval          time.Duration
	attributionWindow time.Duration
	now               func() time.Time
	logger            *logging.Logger

	// mempool txs already rejected by the heuristic, pruned to the current mempool
	rejected map[string]struct{}

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// CoinjoinScannerConfig holds configuration for the coinjoin scanner.
// Cache and Archive are optional.
type CoinjoinScannerConfig struct {
	Rounds            ScannerRoundStore
	Known             KnownTxStore
	Node              MempoolSource
	Recorder          CoinjoinRecorder
	Cache             DashboardInvalidator
	Archive           CoinjoinArchiver
	StartupDelay      time.Duration
	Interval          time.Duration
	AttributionWindow time.Duration
	Logger            *logging.Logger
}

// NewCoinjoinScanner creates a new coinjoin scanner
func NewCoinjoinScanner(cfg *CoinjoinScannerConfig) (*CoinjoinScanner, error) {
	if cfg.Rounds == nil {
		return nil, fmt.Errorf("round store cannot be nil")
	}
	if cfg.Known == nil {
		return nil, fmt.Errorf("coinjoin store cannot be nil")
	}
	if cfg.Node == nil {
		return nil, fmt.Errorf("node client cannot be nil")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("coinjoin recorder cannot be nil")
	}

	startupDelay := cfg.StartupDelay
	if startupDelay < 0 {
		startupDelay = 0
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	window := cfg.AttributionWindow
	if window <= 0 {
		window = DefaultAttributionWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &CoinjoinScanner{
		rounds:            cfg.Rounds,
		known:             cfg.Known,
		node:              cfg.Node,
		recorder:          cfg.Recorder,
		cache:             cfg.Cache,
		archive:           cfg.Archive,
		startupDelay:      startupDelay,
		interval:          interval,
		attributionWindow: window,
		now:               time.Now,
		logger:            logger.WithField("component", "scanner"),
		rejected:          make(map[string]struct{}),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}, nil
}

// Start begins scanning in a goroutine after the startup delay
func (s *CoinjoinScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("coinjoin scanner is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Infof("Starting coinjoin scanner (delay %v, interval %v)", s.startupDelay, s.interval)

	go s.loop(ctx)
	return nil
}

// Stop signals the scanner to exit and waits for the current tick to finish
func (s *CoinjoinScanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("coinjoin scanner is not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		s.logger.Info("Coinjoin scanner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CoinjoinScanner) loop(ctx context.Context) {
	defer close(s.doneCh)

	wait := s.startupDelay
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.Tick(ctx)
		wait = s.interval
	}
}

// Tick runs round-sourced detection, mempool detection and the confirmation
// refresh once. A failing step is logged and does not skip the others.
func (s *CoinjoinScanner) Tick(ctx context.Context) *ScanResult {
	result := &ScanResult{}

	n, err := s.ScanRounds(ctx)
	result.FromRounds = n
	if err != nil {
		s.logger.WithError(err).Error("Round scan failed")
	}

	n, attributed, err := s.ScanMempool(ctx)
	result.FromMempool = n
	result.Attributed = attributed
	if err != nil {
		s.logger.WithError(err).Error("Mempool scan failed")
	}

	conf, err := s.recorder.UpdateConfirmations(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Confirmation refresh failed")
	} else {
		result.NewlyConfirmed = conf.NewlyConfirmed
	}

	if result.FromRounds+result.FromMempool+result.NewlyConfirmed > 0 {
		s.invalidateDashboard(ctx)
		s.logger.WithFields(map[string]interface{}{
			"from_rounds":     result.FromRounds,
			"from_mempool":    result.FromMempool,
			"attributed":      result.Attributed,
			"newly_confirmed": result.NewlyConfirmed,
		}).Info("Scan complete")
	}

	return result
}

// ScanRounds records the coinjoins of ended, successful rounds whose tx id is
// known but not yet stored. Coordinators do not currently publish tx ids, so
// this normally finds nothing.
func (s *CoinjoinScanner) ScanRounds(ctx context.Context) (int, error) {
	rounds, err := s.rounds.ListUnrecordedSuccessful(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rounds: %w", err)
	}

	recorded := 0
	for _, r := range rounds {
		if r.TxID == nil || *r.TxID == "" {
			continue
		}

		coordinatorID := r.CoordinatorID
		roundID := r.RoundID
		cj, created, err := s.recorder.RecordCoinjoin(ctx, *r.TxID, &coordinatorID, &roundID)
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"round_id": r.RoundID,
				"txid":     *r.TxID,
			}).WithError(err).Warn("Failed to record coinjoin from round")
			continue
		}
		if created {
			recorded++
			s.archiveCoinjoin(ctx, cj)
		}
	}
	return recorded, nil
}

// ScanMempool applies the coinjoin heuristic to unknown mempool transactions,
// records matches and links each to a recently ended round when one is waiting
// for a tx id. It returns the number recorded and the number attributed.
func (s *CoinjoinScanner) ScanMempool(ctx context.Context) (int, int, error) {
	txids, err := s.node.GetRawMempool(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read mempool: %w", err)
	}

	unknown, err := s.unknownTxIDs(ctx, txids)
	if err != nil {
		return 0, 0, err
	}

	recorded, attributed := 0, 0
	for _, txid := range unknown {
		if ctx.Err() != nil {
			return recorded, attributed, ctx.Err()
		}

		tx, err := s.node.GetRawTransaction(ctx, txid)
		if err != nil {
			// evicted or mined between listing and lookup
			if !errors.IsNotFound(err) {
				s.logger.WithField("txid", txid).WithError(err).Debug("Failed to fetch mempool transaction")
			}
			continue
		}

		if !service.LooksLikeCoinjoin(service.ShapeFromRaw(tx)) {
			s.rejected[txid] = struct{}{}
			continue
		}

		ok, linked := s.recordMempoolCoinjoin(ctx, txid, tx)
		if ok {
			recorded++
		}
		if linked {
			attributed++
		}
	}

	return recorded, attributed, nil
}

// recordMempoolCoinjoin stores one heuristic match, attributing it to the
// newest round that ended within the attribution window without a tx id
func (s *CoinjoinScanner) recordMempoolCoinjoin(ctx context.Context, txid string, tx *btcjson.TxRawResult) (recorded bool, attributed bool) {
	logger := s.logger.WithField("txid", txid)

	var coordinatorID *int64
	var roundID *string
	candidate, err := s.rounds.FindAttributionCandidate(ctx, s.now().UTC().Add(-s.attributionWindow))
	switch {
	case err == nil:
		coordinatorID = &candidate.CoordinatorID
		roundID = &candidate.RoundID
	case stderrors.Is(err, storage.ErrNotFound):
		candidate = nil
	default:
		logger.WithError(err).Warn("Failed to look up attribution candidate")
		candidate = nil
	}

	cj, created, err := s.recorder.RecordTransaction(ctx, txid, tx, coordinatorID, roundID)
	if err != nil {
		logger.WithError(err).Warn("Failed to record mempool coinjoin")
		return false, false
	}
	if !created {
		return false, false
	}

	if candidate != nil {
		linked, err := s.rounds.SetTxID(ctx, candidate.ID, txid)
		if err != nil {
			logger.WithError(err).Warn("Failed to link coinjoin to round")
		}
		attributed = linked
	}

	logger.WithFields(map[string]interface{}{
		"attributed": attributed,
		"round_id":   roundID,
	}).Info("Recorded coinjoin from mempool scan")

	s.archiveCoinjoin(ctx, cj)
	return true, attributed
}

// unknownTxIDs filters malformed, stored and already rejected tx ids out of
// the mempool listing and prunes rejections that left the mempool
func (s *CoinjoinScanner) unknownTxIDs(ctx context.Context, txids []string) ([]string, error) {
	inMempool := make(map[string]struct{}, len(txids))
	candidates := make([]string, 0, len(txids))
	for _, txid := range txids {
		if _, err := chainhash.NewHashFromStr(txid); err != nil {
			continue
		}
		inMempool[txid] = struct{}{}
		if _, seen := s.rejected[txid]; seen {
			continue
		}
		candidates = append(candidates, txid)
	}

	for txid := range s.rejected {
		if _, ok := inMempool[txid]; !ok {
			delete(s.rejected, txid)
		}
	}

	unknown := make([]string, 0, len(candidates))
	for start := 0; start < len(candidates); start += knownTxBatchSize {
		end := start + knownTxBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		stored, err := s.known.ExistingTxIDs(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to check stored coinjoins: %w", err)
		}
		for _, txid := range batch {
			if _, ok := stored[txid]; !ok {
				unknown = append(unknown, txid)
			}
		}
	}
	return unknown, nil
}

func (s *CoinjoinScanner) archiveCoinjoin(ctx context.Context, cj *models.CoinjoinTransaction) {
	if s.archive == nil || cj == nil {
		return
	}
	if err := s.archive.Insert(ctx, cj); err != nil {
		s.logger.WithField("txid", cj.TxID).WithError(err).Warn("Failed to archive coinjoin")
	}
}

func (s *CoinjoinScanner) invalidateDashboard(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateDashboard(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate dashboard cache")
	}
}
