package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/wabiview/wabiview/internal/models"
)

// DailyVolume is the coinjoin activity of one UTC day
type DailyVolume struct {
	Day              time.Time `json:"day"`
	Count            uint64    `json:"count"`
	TotalOutputValue int64     `json:"totalOutputValue"`
	TotalInputValue  int64     `json:"totalInputValue"`
}

// CoinjoinArchive mirrors detected coinjoins into ClickHouse for analytics
type CoinjoinArchive struct {
	db *ClickHouseDB
}

// NewCoinjoinArchive creates a new coinjoin archive
func NewCoinjoinArchive(db *ClickHouseDB) *CoinjoinArchive {
	return &CoinjoinArchive{db: db}
}

// Insert appends a coinjoin. ReplacingMergeTree collapses duplicates by tx id.
func (a *CoinjoinArchive) Insert(ctx context.Context, cj *models.CoinjoinTransaction) error {
	batch, err := a.db.Conn().PrepareBatch(ctx, `
		INSERT INTO coinjoin_archive (
			tx_id, coordinator_id, round_id, first_seen, input_count,
			output_count, total_input_value, total_output_value, vsize
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	err = batch.Append(
		cj.TxID,
		cj.CoordinatorID,
		cj.RoundID,
		cj.FirstSeen.UTC(),
		uint32(cj.InputCount),  // #nosec G115 - counts are non-negative
		uint32(cj.OutputCount), // #nosec G115
		cj.TotalInputValue,
		cj.TotalOutputValue,
		uint32(cj.VSize), // #nosec G115
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append coinjoin %s: %w", cj.TxID, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to archive coinjoin %s: %w", cj.TxID, err)
	}
	return nil
}

// DailyVolume returns per-day totals for the trailing number of days, oldest first
func (a *CoinjoinArchive) DailyVolume(ctx context.Context, days int) ([]DailyVolume, error) {
	query := `
		SELECT
			toStartOfDay(first_seen) AS day,
			count() AS cnt,
			sum(total_output_value) AS out_value,
			sum(total_input_value) AS in_value
		FROM coinjoin_archive FINAL
		WHERE first_seen >= now() - toIntervalDay(?)
		GROUP BY day
		ORDER BY day
	`

	rows, err := a.db.Conn().Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily volume: %w", err)
	}
	defer rows.Close()

	result := make([]DailyVolume, 0, days)
	for rows.Next() {
		var v DailyVolume
		if err := rows.Scan(&v.Day, &v.Count, &v.TotalOutputValue, &v.TotalInputValue); err != nil {
			return nil, fmt.Errorf("failed to scan daily volume: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily volume: %w", err)
	}
	return result, nil
}
