package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/types"
)

// RoundRepository handles round persistence
type RoundRepository struct {
	db *PostgresDB
}

// NewRoundRepository creates a new round repository
func NewRoundRepository(db *PostgresDB) *RoundRepository {
	return &RoundRepository{db: db}
}

const roundColumns = `
	id, coordinator_id, round_id, phase, input_count, created_at,
	updated_at, ended_at, tx_id, is_successful, failure_reason
`

// Get retrieves a round by its (coordinator, round id) identity
func (r *RoundRepository) Get(ctx context.Context, coordinatorID int64, roundID string) (*models.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE coordinator_id = $1 AND round_id = $2`

	round, err := scanRound(r.db.Pool().QueryRow(ctx, query, coordinatorID, roundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("round %s of coordinator %d: %w", roundID, coordinatorID, ErrNotFound)
		}
		return nil, err
	}
	return round, nil
}

// Create inserts a round. A concurrent insert of the same identity is a no-op
// and reports false.
func (r *RoundRepository) Create(ctx context.Context, round *models.Round) (bool, error) {
	query := `
		INSERT INTO rounds (
			coordinator_id, round_id, phase, input_count, created_at,
			updated_at, ended_at, tx_id, is_successful, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (coordinator_id, round_id) DO NOTHING
		RETURNING id
	`

	err := r.db.Pool().QueryRow(ctx, query,
		round.CoordinatorID,
		round.RoundID,
		int(round.Phase),
		round.InputCount,
		round.CreatedAt,
		round.UpdatedAt,
		round.EndedAt,
		round.TxID,
		round.IsSuccessful,
		round.FailureReason,
	).Scan(&round.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create round %s: %w", round.RoundID, err)
	}
	return true, nil
}

// Update overwrites the mutable fields of a round.
// ended_at and failure_reason are never replaced once set.
func (r *RoundRepository) Update(ctx context.Context, round *models.Round) error {
	query := `
		UPDATE rounds
		SET phase = $3, input_count = $4, updated_at = $5,
			ended_at = COALESCE(ended_at, $6),
			is_successful = $7,
			failure_reason = COALESCE(failure_reason, $8)
		WHERE coordinator_id = $1 AND round_id = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		round.CoordinatorID,
		round.RoundID,
		int(round.Phase),
		round.InputCount,
		round.UpdatedAt,
		round.EndedAt,
		round.IsSuccessful,
		round.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update round %s: %w", round.RoundID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s of coordinator %d: %w", round.RoundID, round.CoordinatorID, ErrNotFound)
	}
	return nil
}

// ListUnrecordedSuccessful returns ended, successful rounds whose tx id is
// known but not yet stored as a coinjoin
func (r *RoundRepository) ListUnrecordedSuccessful(ctx context.Context) ([]*models.Round, error) {
	query := `
		SELECT ` + roundColumns + `
		FROM rounds r
		WHERE r.phase = $1 AND r.is_successful AND r.tx_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM coinjoin_transactions c WHERE c.tx_id = r.tx_id
		  )
		ORDER BY r.ended_at
	`
	return r.queryRounds(ctx, query, int(types.PhaseEnded))
}

// FindAttributionCandidate returns the most recently ended successful round
// without a tx id that ended after since
func (r *RoundRepository) FindAttributionCandidate(ctx context.Context, since time.Time) (*models.Round, error) {
	query := `
		SELECT ` + roundColumns + `
		FROM rounds
		WHERE phase = $1 AND is_successful AND tx_id IS NULL AND ended_at > $2
		ORDER BY ended_at DESC
		LIMIT 1
	`

	round, err := scanRound(r.db.Pool().QueryRow(ctx, query, int(types.PhaseEnded), since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("attribution candidate: %w", ErrNotFound)
		}
		return nil, err
	}
	return round, nil
}

// SetTxID links a round to its coinjoin. Rounds already linked are left alone
// and the call reports false.
func (r *RoundRepository) SetTxID(ctx context.Context, id int64, txID string) (bool, error) {
	query := `UPDATE rounds SET tx_id = $2 WHERE id = $1 AND tx_id IS NULL`

	tag, err := r.db.Pool().Exec(ctx, query, id, txID)
	if err != nil {
		return false, fmt.Errorf("failed to set tx id on round %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CurrentRound returns the newest non-ended round of a coordinator
func (r *RoundRepository) CurrentRound(ctx context.Context, coordinatorID int64) (*models.Round, error) {
	query := `
		SELECT ` + roundColumns + `
		FROM rounds
		WHERE coordinator_id = $1 AND phase <> $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	round, err := scanRound(r.db.Pool().QueryRow(ctx, query, coordinatorID, int(types.PhaseEnded)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("current round of coordinator %d: %w", coordinatorID, ErrNotFound)
		}
		return nil, err
	}
	return round, nil
}

func (r *RoundRepository) queryRounds(ctx context.Context, query string, args ...interface{}) ([]*models.Round, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*models.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rounds: %w", err)
	}
	return rounds, nil
}

func scanRound(row pgx.Row) (*models.Round, error) {
	var round models.Round
	var phase int16

	err := row.Scan(
		&round.ID,
		&round.CoordinatorID,
		&round.RoundID,
		&phase,
		&round.InputCount,
		&round.CreatedAt,
		&round.UpdatedAt,
		&round.EndedAt,
		&round.TxID,
		&round.IsSuccessful,
		&round.FailureReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan round: %w", err)
	}

	round.Phase = types.RoundPhase(phase)
	return &round, nil
}
