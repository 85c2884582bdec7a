package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/wabiview/wabiview/internal/models"
)

// CoordinatorRepository handles coordinator persistence
type CoordinatorRepository struct {
	db *PostgresDB
}

// NewCoordinatorRepository creates a new coordinator repository
func NewCoordinatorRepository(db *PostgresDB) *CoordinatorRepository {
	return &CoordinatorRepository{db: db}
}

const coordinatorColumns = `
	id, name, url, is_online, last_seen, last_checked,
	failure_count, fee_rate::text, min_input_count
`

// CreateIfAbsent inserts a coordinator unless its URL is already known.
// It reports whether a row was inserted.
func (r *CoordinatorRepository) CreateIfAbsent(ctx context.Context, name, url string) (bool, error) {
	query := `
		INSERT INTO coordinators (name, url)
		VALUES ($1, $2)
		ON CONFLICT (url) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query, name, url)
	if err != nil {
		return false, fmt.Errorf("failed to create coordinator %s: %w", url, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns all coordinators ordered by id
func (r *CoordinatorRepository) List(ctx context.Context) ([]*models.Coordinator, error) {
	query := `SELECT ` + coordinatorColumns + ` FROM coordinators ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list coordinators: %w", err)
	}
	defer rows.Close()

	var coordinators []*models.Coordinator
	for rows.Next() {
		c, err := scanCoordinator(rows)
		if err != nil {
			return nil, err
		}
		coordinators = append(coordinators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate coordinators: %w", err)
	}

	return coordinators, nil
}

// GetByID retrieves a coordinator by id
func (r *CoordinatorRepository) GetByID(ctx context.Context, id int64) (*models.Coordinator, error) {
	query := `SELECT ` + coordinatorColumns + ` FROM coordinators WHERE id = $1`

	c, err := scanCoordinator(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("coordinator %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// GetByURL retrieves a coordinator by URL
func (r *CoordinatorRepository) GetByURL(ctx context.Context, url string) (*models.Coordinator, error) {
	query := `SELECT ` + coordinatorColumns + ` FROM coordinators WHERE url = $1`

	c, err := scanCoordinator(r.db.Pool().QueryRow(ctx, query, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("coordinator %s: %w", url, ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// UpdateHealth persists the health and parameter fields of a coordinator
func (r *CoordinatorRepository) UpdateHealth(ctx context.Context, c *models.Coordinator) error {
	query := `
		UPDATE coordinators
		SET is_online = $2, last_seen = $3, last_checked = $4,
			failure_count = $5, fee_rate = $6, min_input_count = $7
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		c.ID,
		c.IsOnline,
		c.LastSeen,
		c.LastChecked,
		c.FailureCount,
		nullDecimalArg(c.FeeRate),
		c.MinInputCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update coordinator %d: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("coordinator %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

// nullDecimalArg renders a nullable decimal as text for a NUMERIC column
func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func scanCoordinator(row pgx.Row) (*models.Coordinator, error) {
	var c models.Coordinator
	var feeRate *string

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.URL,
		&c.IsOnline,
		&c.LastSeen,
		&c.LastChecked,
		&c.FailureCount,
		&feeRate,
		&c.MinInputCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan coordinator: %w", err)
	}

	if feeRate != nil {
		d, err := decimal.NewFromString(*feeRate)
		if err != nil {
			return nil, fmt.Errorf("invalid fee rate %q: %w", *feeRate, err)
		}
		c.FeeRate = decimal.NewNullDecimal(d)
	}
	return &c, nil
}
