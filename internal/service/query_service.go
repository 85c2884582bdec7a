package service

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/registry"
	"github.com/wabiview/wabiview/internal/storage"
	"github.com/wabiview/wabiview/internal/types"
)

// Paging and window defaults for dashboard queries
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
	DefaultPageSize    = 20
	MaxPageSize        = 100
	StatsWindow        = 24 * time.Hour
)

// ErrArchiveDisabled is returned by archive-backed queries when no archive is configured
var ErrArchiveDisabled = errors.NewServiceUnavailableError("coinjoin archive")

// CoinjoinReader defines the coinjoin queries used by the dashboard
type CoinjoinReader interface {
	GetByTxID(ctx context.Context, txID string) (*models.CoinjoinTransaction, error)
	ListRecent(ctx context.Context, limit int, coordinatorID *int64, confirmed *bool) ([]*models.CoinjoinTransaction, error)
	ListFiltered(ctx context.Context, filter storage.CoinjoinFilter) ([]*models.CoinjoinTransaction, int64, error)
	Aggregate(ctx context.Context, since time.Time) (*storage.CoinjoinAggregate, error)
	CountByCoordinator(ctx context.Context, since time.Time) (map[int64]storage.CoordinatorCoinjoinCounts, error)
}

// CoordinatorReader reads stored coordinators
type CoordinatorReader interface {
	List(ctx context.Context) ([]*models.Coordinator, error)
	GetByURL(ctx context.Context, url string) (*models.Coordinator, error)
}

// CurrentRoundFinder finds a coordinator's round in progress
type CurrentRoundFinder interface {
	CurrentRound(ctx context.Context, coordinatorID int64) (*models.Round, error)
}

// VolumeArchive serves historical daily volume
type VolumeArchive interface {
	DailyVolume(ctx context.Context, days int) ([]storage.DailyVolume, error)
}

// FilterInput holds the dashboard's coinjoin list parameters
type FilterInput struct {
	Page          int
	PageSize      int
	CoordinatorID *int64
	Status        string
	Search        string
}

// FilteredCoinjoins is one page of coinjoins
type FilteredCoinjoins struct {
	Items      []*models.CoinjoinTransaction `json:"items"`
	TotalCount int64                         `json:"totalCount"`
	Page       int                           `json:"page"`
	PageSize   int                           `json:"pageSize"`
	TotalPages int64                         `json:"totalPages"`
}

// Stats holds header statistics
type Stats struct {
	TotalCoinjoins int64   `json:"totalCoinjoins"`
	Last24hCount   int64   `json:"last24hCount"`
	Volume24hSats  int64   `json:"volume24hSats"`
	Volume24hBTC   float64 `json:"volume24hBtc"`
	FeeEstimated   bool    `json:"feeEstimated"`
}

// RoundSummary describes a coordinator's round in progress
type RoundSummary struct {
	RoundID    string             `json:"roundId"`
	Phase      types.PhaseDisplay `json:"phase"`
	InputCount int                `json:"inputCount"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// CoordinatorOverview is one coordinator card
type CoordinatorOverview struct {
	*models.Coordinator
	TotalCoinjoins   int64         `json:"totalCoinjoins"`
	Last24hCoinjoins int64         `json:"last24hCoinjoins"`
	CurrentRound     *RoundSummary `json:"currentRound,omitempty"`
}

// QueryService serves read-only dashboard projections
type QueryService struct {
	coinjoins    CoinjoinReader
	coordinators CoordinatorReader
	registry     *registry.Registry
	rounds       CurrentRoundFinder
	archive      VolumeArchive
	cache        *storage.CacheService
	now          func() time.Time
}

// NewQueryService creates a new query service. cache and archive may be nil;
// a nil reg uses the built-in coordinator table.
func NewQueryService(
	coinjoins CoinjoinReader,
	coordinators CoordinatorReader,
	reg *registry.Registry,
	rounds CurrentRoundFinder,
	archive VolumeArchive,
	cache *storage.CacheService,
) *QueryService {
	if reg == nil {
		reg = registry.New()
	}
	return &QueryService{
		coinjoins:    coinjoins,
		coordinators: coordinators,
		registry:     reg,
		rounds:       rounds,
		archive:      archive,
		cache:        cache,
		now:          time.Now,
	}
}

// ResolveCoordinator maps a coordinator reference to its stored id.
// ref is a numeric id, a registry name or a registry URL; empty means no filter.
func (s *QueryService) ResolveCoordinator(ctx context.Context, ref string) (*int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return &id, nil
	}

	entry, ok := s.registry.ByName(ref)
	if !ok {
		entry, ok = s.registry.ByURL(ref)
	}
	if !ok {
		return nil, errors.NewInvalidParameterError("coordinator", "unknown coordinator")
	}

	c, err := s.coordinators.GetByURL(ctx, entry.URL)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("coordinator", entry.Name)
		}
		return nil, errors.NewDatabaseError("get coordinator", err)
	}
	return &c.ID, nil
}

// GetRecent returns the newest coinjoins, newest first
func (s *QueryService) GetRecent(ctx context.Context, limit int, coordinatorID *int64, confirmedOnly *bool) ([]*models.CoinjoinTransaction, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	// an explicit false means no filter, as in the dashboard
	if confirmedOnly != nil && !*confirmedOnly {
		confirmedOnly = nil
	}

	items, err := s.coinjoins.ListRecent(ctx, limit, coordinatorID, confirmedOnly)
	if err != nil {
		return nil, errors.NewDatabaseError("list recent coinjoins", err)
	}
	return nonNil(items), nil
}

// GetByTxID returns one coinjoin
func (s *QueryService) GetByTxID(ctx context.Context, txid string) (*models.CoinjoinTransaction, error) {
	cj, err := s.coinjoins.GetByTxID(ctx, strings.ToLower(txid))
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("coinjoin", txid)
		}
		return nil, errors.NewDatabaseError("get coinjoin", err)
	}
	return cj, nil
}

// GetFiltered returns one page of coinjoins matching the filter
func (s *QueryService) GetFiltered(ctx context.Context, input FilterInput) (*FilteredCoinjoins, error) {
	page := input.Page
	if page < 1 {
		page = 1
	}
	pageSize := input.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	items, total, err := s.coinjoins.ListFiltered(ctx, storage.CoinjoinFilter{
		CoordinatorID: input.CoordinatorID,
		Status:        types.ParseCoinjoinStatus(input.Status),
		Search:        strings.ToLower(strings.TrimSpace(input.Search)),
		Offset:        (page - 1) * pageSize,
		Limit:         pageSize,
	})
	if err != nil {
		return nil, errors.NewDatabaseError("list coinjoins", err)
	}

	return &FilteredCoinjoins{
		Items:      nonNil(items),
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + int64(pageSize) - 1) / int64(pageSize),
	}, nil
}

// GetStats returns total and trailing-24h coinjoin statistics
func (s *QueryService) GetStats(ctx context.Context) (*Stats, error) {
	return loadCached(ctx, s, storage.CacheKeyStats, func(ctx context.Context) (*Stats, error) {
		agg, err := s.coinjoins.Aggregate(ctx, s.now().UTC().Add(-StatsWindow))
		if err != nil {
			return nil, errors.NewDatabaseError("aggregate coinjoins", err)
		}
		return &Stats{
			TotalCoinjoins: agg.Total,
			Last24hCount:   agg.SinceCount,
			Volume24hSats:  agg.SinceVolume,
			Volume24hBTC:   btcutil.Amount(agg.SinceVolume).ToBTC(),
			FeeEstimated:   false,
		}, nil
	})
}

// GetCoordinatorOverview returns one card per coordinator with its coinjoin
// counts and round in progress
func (s *QueryService) GetCoordinatorOverview(ctx context.Context) ([]*CoordinatorOverview, error) {
	return loadCached(ctx, s, storage.CacheKeyCoordinators, func(ctx context.Context) ([]*CoordinatorOverview, error) {
		coordinators, err := s.coordinators.List(ctx)
		if err != nil {
			return nil, errors.NewDatabaseError("list coordinators", err)
		}
		counts, err := s.coinjoins.CountByCoordinator(ctx, s.now().UTC().Add(-StatsWindow))
		if err != nil {
			return nil, errors.NewDatabaseError("count coinjoins", err)
		}

		out := make([]*CoordinatorOverview, 0, len(coordinators))
		for _, c := range coordinators {
			card := &CoordinatorOverview{
				Coordinator:      c,
				TotalCoinjoins:   counts[c.ID].Total,
				Last24hCoinjoins: counts[c.ID].Since,
			}

			round, err := s.rounds.CurrentRound(ctx, c.ID)
			switch {
			case err == nil:
				card.CurrentRound = &RoundSummary{
					RoundID:    round.RoundID,
					Phase:      types.PhaseDisplay{Phase: round.Phase},
					InputCount: round.InputCount,
					CreatedAt:  round.CreatedAt,
				}
			case !stderrors.Is(err, storage.ErrNotFound):
				return nil, errors.NewDatabaseError("current round", err)
			}
			out = append(out, card)
		}
		return out, nil
	})
}

// GetDailyVolume returns per-day coinjoin volume from the archive
func (s *QueryService) GetDailyVolume(ctx context.Context, days int) ([]storage.DailyVolume, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	if days <= 0 || days > 365 {
		return nil, errors.NewInvalidParameterError("days", "must be between 1 and 365")
	}

	return loadCached(ctx, s, storage.CacheKeyDailyVolume, func(ctx context.Context) ([]storage.DailyVolume, error) {
		volume, err := s.archive.DailyVolume(ctx, days)
		if err != nil {
			return nil, errors.NewDatabaseError("daily volume", err)
		}
		if volume == nil {
			volume = []storage.DailyVolume{}
		}
		return volume, nil
	}, strconv.Itoa(days))
}

// loadCached serves load through the cache when one is configured
func loadCached[T any](ctx context.Context, s *QueryService, keyType storage.CacheKeyType, load func(context.Context) (T, error), params ...string) (T, error) {
	if s.cache == nil {
		return load(ctx)
	}
	return storage.GetOrLoad(ctx, s.cache, s.cache.GenerateCacheKey(keyType, params...), load)
}

func nonNil(items []*models.CoinjoinTransaction) []*models.CoinjoinTransaction {
	if items == nil {
		return []*models.CoinjoinTransaction{}
	}
	return items
}
