package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coordinator represents a known WabiSabi coordinator and its last observed health
type Coordinator struct {
	ID            int64               `json:"id" db:"id"`
	Name          string              `json:"name" db:"name"`
	URL           string              `json:"url" db:"url"`
	IsOnline      bool                `json:"isOnline" db:"is_online"`
	LastSeen      *time.Time          `json:"lastSeen,omitempty" db:"last_seen"`
	LastChecked   *time.Time          `json:"lastChecked,omitempty" db:"last_checked"`
	FailureCount  int                 `json:"failureCount" db:"failure_count"`
	FeeRate       decimal.NullDecimal `json:"feeRate" db:"fee_rate"`
	MinInputCount *int                `json:"minInputCount,omitempty" db:"min_input_count"`
}

// MarkOnline records a successful health check at now
func (c *Coordinator) MarkOnline(now time.Time) {
	c.IsOnline = true
	c.LastSeen = &now
	c.FailureCount = 0
}

// MarkOffline records a failed health check
func (c *Coordinator) MarkOffline() {
	c.IsOnline = false
	c.FailureCount++
}
