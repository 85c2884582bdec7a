package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/types"
)

// CoinjoinFilter selects coinjoins for paginated listing
type CoinjoinFilter struct {
	CoordinatorID *int64
	Status        types.CoinjoinStatus
	Search        string // lower-cased substring of the tx id
	Offset        int
	Limit         int
}

// CoinjoinAggregate holds totals over the coinjoin table
type CoinjoinAggregate struct {
	Total       int64
	SinceCount  int64
	SinceVolume int64 // sum of total_input_value in satoshis
}

// CoordinatorCoinjoinCounts holds per-coordinator coinjoin totals
type CoordinatorCoinjoinCounts struct {
	Total int64
	Since int64
}

// CoinjoinRepository handles coinjoin transaction persistence
type CoinjoinRepository struct {
	db *PostgresDB
}

// NewCoinjoinRepository creates a new coinjoin repository
func NewCoinjoinRepository(db *PostgresDB) *CoinjoinRepository {
	return &CoinjoinRepository{db: db}
}

const coinjoinColumns = `
	id, tx_id, block_hash, block_height, first_seen, confirmed_at,
	input_count, output_count, total_input_value, total_output_value,
	fee_paid, vsize, fee_rate::text, coordinator_id, round_id, confirmations
`

// Create inserts a coinjoin. An existing row with the same tx id is left
// untouched and the call reports false.
func (r *CoinjoinRepository) Create(ctx context.Context, cj *models.CoinjoinTransaction) (bool, error) {
	query := `
		INSERT INTO coinjoin_transactions (
			tx_id, block_hash, block_height, first_seen, confirmed_at,
			input_count, output_count, total_input_value, total_output_value,
			fee_paid, vsize, fee_rate, coordinator_id, round_id, confirmations
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tx_id) DO NOTHING
		RETURNING id
	`

	err := r.db.Pool().QueryRow(ctx, query,
		cj.TxID,
		cj.BlockHash,
		cj.BlockHeight,
		cj.FirstSeen,
		cj.ConfirmedAt,
		cj.InputCount,
		cj.OutputCount,
		cj.TotalInputValue,
		cj.TotalOutputValue,
		cj.FeePaid,
		cj.VSize,
		cj.FeeRate.String(),
		cj.CoordinatorID,
		cj.RoundID,
		cj.Confirmations,
	).Scan(&cj.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create coinjoin %s: %w", cj.TxID, err)
	}
	return true, nil
}

// GetByTxID retrieves a coinjoin by transaction id
func (r *CoinjoinRepository) GetByTxID(ctx context.Context, txID string) (*models.CoinjoinTransaction, error) {
	query := `SELECT ` + coinjoinColumns + ` FROM coinjoin_transactions WHERE tx_id = $1`

	cj, err := scanCoinjoin(r.db.Pool().QueryRow(ctx, query, txID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("coinjoin %s: %w", txID, ErrNotFound)
		}
		return nil, err
	}
	return cj, nil
}

// ExistingTxIDs returns the subset of txIDs already stored
func (r *CoinjoinRepository) ExistingTxIDs(ctx context.Context, txIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(txIDs) == 0 {
		return existing, nil
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT tx_id FROM coinjoin_transactions WHERE tx_id = ANY($1)`, txIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing coinjoins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var txID string
		if err := rows.Scan(&txID); err != nil {
			return nil, fmt.Errorf("failed to scan tx id: %w", err)
		}
		existing[txID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tx ids: %w", err)
	}
	return existing, nil
}

// ListUnconfirmed returns coinjoins without a block height
func (r *CoinjoinRepository) ListUnconfirmed(ctx context.Context) ([]*models.CoinjoinTransaction, error) {
	query := `
		SELECT ` + coinjoinColumns + `
		FROM coinjoin_transactions
		WHERE block_height IS NULL
		ORDER BY first_seen
	`
	return r.queryCoinjoins(ctx, query)
}

// MarkConfirmed records the block a coinjoin was mined in
func (r *CoinjoinRepository) MarkConfirmed(ctx context.Context, txID, blockHash string, blockHeight int64, confirmedAt time.Time) error {
	query := `
		UPDATE coinjoin_transactions
		SET block_hash = $2, block_height = $3, confirmed_at = $4
		WHERE tx_id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, txID, blockHash, blockHeight, confirmedAt)
	if err != nil {
		return fmt.Errorf("failed to confirm coinjoin %s: %w", txID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("coinjoin %s: %w", txID, ErrNotFound)
	}
	return nil
}

// RefreshConfirmations recomputes confirmations for every confirmed coinjoin
// at the given chain height
func (r *CoinjoinRepository) RefreshConfirmations(ctx context.Context, height int64) (int64, error) {
	query := `
		UPDATE coinjoin_transactions
		SET confirmations = $1 - block_height + 1
		WHERE block_height IS NOT NULL
	`

	tag, err := r.db.Pool().Exec(ctx, query, height)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh confirmations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRecent returns the newest coinjoins by first-seen time
func (r *CoinjoinRepository) ListRecent(ctx context.Context, limit int, coordinatorID *int64, confirmed *bool) ([]*models.CoinjoinTransaction, error) {
	where, args := buildCoinjoinWhere(coordinatorID, statusFromBool(confirmed), "")
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM coinjoin_transactions
		%s
		ORDER BY first_seen DESC, id DESC
		LIMIT $%d
	`, coinjoinColumns, where, len(args))

	return r.queryCoinjoins(ctx, query, args...)
}

// ListFiltered returns one page of coinjoins matching filter and the total match count
func (r *CoinjoinRepository) ListFiltered(ctx context.Context, filter CoinjoinFilter) ([]*models.CoinjoinTransaction, int64, error) {
	where, args := buildCoinjoinWhere(filter.CoordinatorID, filter.Status, filter.Search)

	var total int64
	countQuery := `SELECT COUNT(*) FROM coinjoin_transactions ` + where
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count coinjoins: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM coinjoin_transactions
		%s
		ORDER BY first_seen DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, coinjoinColumns, where, len(args)-1, len(args))

	items, err := r.queryCoinjoins(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Aggregate returns the total count plus count and input volume since the given time
func (r *CoinjoinRepository) Aggregate(ctx context.Context, since time.Time) (*CoinjoinAggregate, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE first_seen >= $1),
			COALESCE(SUM(total_input_value) FILTER (WHERE first_seen >= $1), 0)::bigint
		FROM coinjoin_transactions
	`

	var agg CoinjoinAggregate
	if err := r.db.Pool().QueryRow(ctx, query, since).Scan(&agg.Total, &agg.SinceCount, &agg.SinceVolume); err != nil {
		return nil, fmt.Errorf("failed to aggregate coinjoins: %w", err)
	}
	return &agg, nil
}

// CountByCoordinator returns total and since-time coinjoin counts per coordinator
func (r *CoinjoinRepository) CountByCoordinator(ctx context.Context, since time.Time) (map[int64]CoordinatorCoinjoinCounts, error) {
	query := `
		SELECT coordinator_id, COUNT(*), COUNT(*) FILTER (WHERE first_seen >= $1)
		FROM coinjoin_transactions
		WHERE coordinator_id IS NOT NULL
		GROUP BY coordinator_id
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count coinjoins by coordinator: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]CoordinatorCoinjoinCounts)
	for rows.Next() {
		var id int64
		var c CoordinatorCoinjoinCounts
		if err := rows.Scan(&id, &c.Total, &c.Since); err != nil {
			return nil, fmt.Errorf("failed to scan coordinator counts: %w", err)
		}
		counts[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate coordinator counts: %w", err)
	}
	return counts, nil
}

func (r *CoinjoinRepository) queryCoinjoins(ctx context.Context, query string, args ...interface{}) ([]*models.CoinjoinTransaction, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coinjoins: %w", err)
	}
	defer rows.Close()

	items := make([]*models.CoinjoinTransaction, 0)
	for rows.Next() {
		cj, err := scanCoinjoin(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate coinjoins: %w", err)
	}
	return items, nil
}

// buildCoinjoinWhere builds a WHERE clause with positional arguments starting at $1
func buildCoinjoinWhere(coordinatorID *int64, status types.CoinjoinStatus, search string) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if coordinatorID != nil {
		args = append(args, *coordinatorID)
		conditions = append(conditions, fmt.Sprintf("coordinator_id = $%d", len(args)))
	}

	switch status {
	case types.StatusConfirmed:
		conditions = append(conditions, "block_height IS NOT NULL")
	case types.StatusUnconfirmed:
		conditions = append(conditions, "block_height IS NULL")
	}

	if search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		conditions = append(conditions, fmt.Sprintf("LOWER(tx_id) LIKE $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func statusFromBool(confirmed *bool) types.CoinjoinStatus {
	if confirmed == nil {
		return types.StatusAny
	}
	if *confirmed {
		return types.StatusConfirmed
	}
	return types.StatusUnconfirmed
}

// escapeLike escapes LIKE wildcards so user input matches literally
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanCoinjoin(row pgx.Row) (*models.CoinjoinTransaction, error) {
	var cj models.CoinjoinTransaction
	var feeRate string

	err := row.Scan(
		&cj.ID,
		&cj.TxID,
		&cj.BlockHash,
		&cj.BlockHeight,
		&cj.FirstSeen,
		&cj.ConfirmedAt,
		&cj.InputCount,
		&cj.OutputCount,
		&cj.TotalInputValue,
		&cj.TotalOutputValue,
		&cj.FeePaid,
		&cj.VSize,
		&feeRate,
		&cj.CoordinatorID,
		&cj.RoundID,
		&cj.Confirmations,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan coinjoin: %w", err)
	}

	cj.FeeRate, err = decimal.NewFromString(feeRate)
	if err != nil {
		return nil, fmt.Errorf("invalid fee rate %q: %w", feeRate, err)
	}
	return &cj, nil
}
