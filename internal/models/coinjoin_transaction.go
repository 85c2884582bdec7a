package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CoinjoinTransaction represents a detected coinjoin.
// Values are in satoshis. FeePaid, FeeRate and TotalInputValue stay zero
// for heuristically detected entries because prevouts are not resolved.
type CoinjoinTransaction struct {
	ID               int64           `json:"id" db:"id"`
	TxID             string          `json:"txId" db:"tx_id"`
	BlockHash        *string         `json:"blockHash,omitempty" db:"block_hash"`
	BlockHeight      *int64          `json:"blockHeight,omitempty" db:"block_height"`
	FirstSeen        time.Time       `json:"firstSeen" db:"first_seen"`
	ConfirmedAt      *time.Time      `json:"confirmedAt,omitempty" db:"confirmed_at"`
	InputCount       int             `json:"inputCount" db:"input_count"`
	OutputCount      int             `json:"outputCount" db:"output_count"`
	TotalInputValue  int64           `json:"totalInputValue" db:"total_input_value"`
	TotalOutputValue int64           `json:"totalOutputValue" db:"total_output_value"`
	FeePaid          int64           `json:"feePaid" db:"fee_paid"`
	VSize            int             `json:"vSize" db:"vsize"`
	FeeRate          decimal.Decimal `json:"feeRate" db:"fee_rate"`
	CoordinatorID    *int64          `json:"coordinatorId,omitempty" db:"coordinator_id"`
	RoundID          *string         `json:"roundId,omitempty" db:"round_id"`
	Confirmations    int64           `json:"confirmations" db:"confirmations"`
}

// IsConfirmed reports whether the transaction has been seen in a block
func (c *CoinjoinTransaction) IsConfirmed() bool {
	return c.BlockHeight != nil
}

// ConfirmationsAt returns the confirmation count at the given chain height.
// Unconfirmed transactions have zero confirmations.
func (c *CoinjoinTransaction) ConfirmationsAt(height int64) int64 {
	if c.BlockHeight == nil {
		return 0
	}
	return height - *c.BlockHeight + 1
}
