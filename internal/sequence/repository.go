package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository persists counters.
type Repository interface {
	Next(ctx context.Context, key Key, max int64) (int64, error)
	Reset(ctx context.Context, key Key, value int64) error
	Current(ctx context.Context, key Key) (int64, error)
}

// Issue increments and reads the counter in one statement. The conditional
// update leaves an exhausted counter untouched and returns no row.
func Issue(ctx context.Context, q Querier, key Key, max int64) (int64, error) {
	var value int64
	err := q.QueryRow(ctx, `INSERT INTO sequence_counters (business_id, location_id, series, scope_date, value, updated_at)
VALUES ($1, $2, $3, $4, 1, NOW())
ON CONFLICT (business_id, location_id, series, scope_date)
DO UPDATE SET value = sequence_counters.value + 1, updated_at = NOW()
WHERE sequence_counters.value < $5
RETURNING value`, key.BusinessID, key.LocationID, key.Series, key.Date, max).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s/%d/%s reached %d", ErrSequenceExhausted, key.Series, key.LocationID, key.Date.Format("2006-01-02"), max)
		}
		return 0, fmt.Errorf("sequence: issue: %w", err)
	}
	return value, nil
}

// PGRepository stores counters in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Next(ctx context.Context, key Key, max int64) (int64, error) {
	return Issue(ctx, r.pool, key, max)
}

func (r *PGRepository) Reset(ctx context.Context, key Key, value int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO sequence_counters (business_id, location_id, series, scope_date, value, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (business_id, location_id, series, scope_date)
DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key.BusinessID, key.LocationID, key.Series, key.Date, value)
	return err
}

func (r *PGRepository) Current(ctx context.Context, key Key) (int64, error) {
	var value int64
	err := r.pool.QueryRow(ctx, `SELECT value FROM sequence_counters
WHERE business_id=$1 AND location_id=$2 AND series=$3 AND scope_date=$4`,
		key.BusinessID, key.LocationID, key.Series, key.Date).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return value, err
}
