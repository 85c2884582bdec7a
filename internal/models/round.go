package models

import (
	"time"

	"github.com/wabiview/wabiview/internal/types"
)

// Round represents one coordinator round as last observed.
// Identity is the (CoordinatorID, RoundID) pair.
type Round struct {
	ID            int64            `json:"id" db:"id"`
	CoordinatorID int64            `json:"coordinatorId" db:"coordinator_id"`
	RoundID       string           `json:"roundId" db:"round_id"`
	Phase         types.RoundPhase `json:"phase" db:"phase"`
	InputCount    int              `json:"inputCount" db:"input_count"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time        `json:"updatedAt" db:"updated_at"`
	EndedAt       *time.Time       `json:"endedAt,omitempty" db:"ended_at"`
	TxID          *string          `json:"txId,omitempty" db:"tx_id"`
	IsSuccessful  bool             `json:"isSuccessful" db:"is_successful"`
	FailureReason *string          `json:"failureReason,omitempty" db:"failure_reason"`
}

// IsEnded reports whether the round reached its terminal phase
func (r *Round) IsEnded() bool {
	return r.Phase.IsEnded()
}

// IsBlame reports whether the round was recorded as a blame round
func (r *Round) IsBlame() bool {
	return r.FailureReason != nil && *r.FailureReason == types.BlameRoundReason
}
