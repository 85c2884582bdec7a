package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/storage"
	"github.com/wabiview/wabiview/internal/types"
)

// RoundStore defines the round persistence used by reconciliation
type RoundStore interface {
	Get(ctx context.Context, coordinatorID int64, roundID string) (*models.Round, error)
	Create(ctx context.Context, round *models.Round) (bool, error)
	Update(ctx context.Context, round *models.Round) error
}

// ReconcileResult summarizes one reconciliation pass
type ReconcileResult struct {
	Created int
	Updated int
	Skipped int
}

// RoundReconciler applies a coordinator's round list to stored rounds
type RoundReconciler struct {
	store RoundStore
	now   func() time.Time
}

// NewRoundReconciler creates a new round reconciler
func NewRoundReconciler(store RoundStore) *RoundReconciler {
	return &RoundReconciler{
		store: store,
		now:   time.Now,
	}
}

// MergeRound folds one observed round into the stored record.
// existing is nil for a round not seen before; the returned round is a copy.
// EndedAt and FailureReason are only ever set once.
func MergeRound(existing *models.Round, info adapter.RoundInfo, coordinatorID int64, now time.Time) *models.Round {
	phase := info.Phase
	ended := phase.IsEnded()
	blame := info.IsBlame()

	if existing == nil {
		round := &models.Round{
			CoordinatorID: coordinatorID,
			RoundID:       info.RoundID,
			Phase:         phase,
			InputCount:    info.InputCount,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if ended {
			round.EndedAt = timePtr(now)
			round.IsSuccessful = !blame
			if blame {
				round.FailureReason = stringPtr(types.BlameRoundReason)
			}
		}
		return round
	}

	merged := *existing
	merged.Phase = phase
	merged.InputCount = info.InputCount
	merged.UpdatedAt = now
	if ended {
		if merged.EndedAt == nil {
			merged.EndedAt = timePtr(now)
		}
		merged.IsSuccessful = !blame
		if merged.FailureReason == nil && blame {
			merged.FailureReason = stringPtr(types.BlameRoundReason)
		}
	}
	return &merged
}

// Reconcile creates or updates one stored round per reported round.
// Failures on individual rounds do not stop the pass; they are joined into
// the returned error.
func (r *RoundReconciler) Reconcile(ctx context.Context, coordinatorID int64, rounds []adapter.RoundInfo) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	var errs []error

	for _, info := range rounds {
		if info.RoundID == "" {
			result.Skipped++
			continue
		}
		if !info.Phase.IsKnown() {
			// stored as reported; displayed as Unknown
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"coordinator_id": coordinatorID,
				"round_id":       info.RoundID,
				"phase":          int(info.Phase),
			}).Warn("Round reported an unknown phase")
		}

		now := r.now().UTC()
		existing, err := r.store.Get(ctx, coordinatorID, info.RoundID)
		if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("load round %s: %w", info.RoundID, err))
			continue
		}
		if err != nil {
			existing = nil
		}

		merged := MergeRound(existing, info, coordinatorID, now)
		if existing == nil {
			created, err := r.store.Create(ctx, merged)
			if err != nil {
				errs = append(errs, fmt.Errorf("create round %s: %w", info.RoundID, err))
				continue
			}
			if created {
				result.Created++
			} else {
				result.Skipped++
			}
			continue
		}

		if err := r.store.Update(ctx, merged); err != nil {
			errs = append(errs, fmt.Errorf("update round %s: %w", info.RoundID, err))
			continue
		}
		result.Updated++
	}

	return result, stderrors.Join(errs...)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
