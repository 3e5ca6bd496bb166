package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/shared"
)

// Repository persists findings.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// SaveFinding stores a drifted finding, refreshing the open finding of
	// the same key when one exists.
	SaveFinding(ctx context.Context, f Finding) (Finding, error)
	ListFindings(ctx context.Context, filter FindingFilter) ([]Finding, int, error)
}

// TxRepository exposes resolution operations; ledger writes share the transaction.
type TxRepository interface {
	Ledger() ledger.TxRepository
	LockFinding(ctx context.Context, businessID, id int64) (Finding, error)
	ResolveFinding(ctx context.Context, f Finding) error
}

// PGRepository stores findings in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	tx     pgx.Tx
	ledger ledger.TxRepository
}

func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(ctx, &txRepo{tx: tx, ledger: ledger.NewTxRepository(tx)}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reconcile: commit tx: %w", err)
	}
	return nil
}

const findingColumns = `id, business_id, variation_id, location_id, cached, derived, variance, checked_at,
state, COALESCE(resolution, ''), resolution_note, resolved_at, COALESCE(resolved_by, 0), COALESCE(correction_entry_id, 0)`

func scanFinding(row pgx.Row) (Finding, error) {
	var (
		f          Finding
		state      string
		resolution string
	)
	err := row.Scan(&f.ID, &f.BusinessID, &f.VariationID, &f.LocationID, &f.Cached, &f.Derived, &f.Variance, &f.CheckedAt,
		&state, &resolution, &f.ResolutionNote, &f.ResolvedAt, &f.ResolvedBy, &f.EntryID)
	if err != nil {
		return Finding{}, err
	}
	f.State = State(state)
	f.Resolution = Resolution(resolution)
	f.Status = StatusOK
	if !f.Variance.IsZero() {
		f.Status = StatusDrifted
	}
	return f, nil
}

func (r *PGRepository) SaveFinding(ctx context.Context, f Finding) (Finding, error) {
	return scanFinding(r.pool.QueryRow(ctx, `INSERT INTO stock_drift_findings
(business_id, variation_id, location_id, cached, derived, variance, checked_at, state)
VALUES ($1,$2,$3,$4,$5,$6,$7,'open')
ON CONFLICT (variation_id, location_id) WHERE state = 'open'
DO UPDATE SET cached=EXCLUDED.cached, derived=EXCLUDED.derived, variance=EXCLUDED.variance, checked_at=EXCLUDED.checked_at
RETURNING `+findingColumns, f.BusinessID, f.VariationID, f.LocationID, f.Cached, f.Derived, f.Variance, f.CheckedAt))
}

func (r *PGRepository) ListFindings(ctx context.Context, filter FindingFilter) ([]Finding, int, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	var location, state any
	if filter.LocationID > 0 {
		location = filter.LocationID
	}
	if filter.State != "" {
		state = string(filter.State)
	}
	const where = `WHERE business_id=$1 AND ($2::bigint IS NULL OR location_id=$2) AND ($3::text IS NULL OR state=$3)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_drift_findings `+where, filter.BusinessID, location, state).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+findingColumns+` FROM stock_drift_findings `+where+`
ORDER BY checked_at DESC, id DESC LIMIT $4 OFFSET $5`, filter.BusinessID, location, state, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	findings := []Finding{}
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, 0, err
		}
		findings = append(findings, f)
	}
	return findings, total, rows.Err()
}

func (t *txRepo) Ledger() ledger.TxRepository { return t.ledger }

func (t *txRepo) LockFinding(ctx context.Context, businessID, id int64) (Finding, error) {
	f, err := scanFinding(t.tx.QueryRow(ctx, `SELECT `+findingColumns+` FROM stock_drift_findings
WHERE id=$1 AND business_id=$2 FOR UPDATE`, id, businessID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Finding{}, ErrFindingNotFound
	}
	return f, err
}

func (t *txRepo) ResolveFinding(ctx context.Context, f Finding) error {
	var entryID any
	if f.EntryID > 0 {
		entryID = f.EntryID
	}
	_, err := t.tx.Exec(ctx, `UPDATE stock_drift_findings SET state=$2, resolution=$3, resolution_note=$4,
resolved_at=$5, resolved_by=$6, correction_entry_id=$7, cached=$8, derived=$9, variance=$10 WHERE id=$1`,
		f.ID, string(f.State), string(f.Resolution), f.ResolutionNote, f.ResolvedAt, f.ResolvedBy, entryID,
		f.Cached, f.Derived, f.Variance)
	return err
}
