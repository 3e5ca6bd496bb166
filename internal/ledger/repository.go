package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockline/stockline/internal/shared"
)

// Repository abstracts ledger persistence for the service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, key Key) (Balance, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	ListKeys(ctx context.Context, filter KeyFilter) ([]ScopedKey, error)
}

// TxRepository exposes the operations that must run inside one transaction.
type TxRepository interface {
	// LockBalance returns the balance row for key, creating a zero row when
	// absent, and holds a row lock on it until the transaction ends.
	LockBalance(ctx context.Context, businessID int64, key Key) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	ReferenceExists(ctx context.Context, businessID int64, ref Reference) (bool, error)
	ClaimIdempotencyKey(ctx context.Context, key string) error
}

// referenceTables maps reference types onto the tables holding their source rows.
var referenceTables = map[string]string{
	RefSale:         "sales",
	RefSaleReturn:   "sale_returns",
	RefPurchase:     "purchases",
	RefTransfer:     "stock_transfers",
	RefStockCount:   "stock_counts",
	RefDriftFinding: "stock_drift_findings",
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRepository persists ledger data in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger operations to a transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a read-committed transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

// GetBalance reads the cached balance without locking.
func (r *PGRepository) GetBalance(ctx context.Context, key Key) (Balance, error) {
	var bal Balance
	err := r.pool.QueryRow(ctx, `SELECT business_id, variation_id, location_id, qty_available, updated_at
FROM stock_balances WHERE variation_id=$1 AND location_id=$2`, key.VariationID, key.LocationID).
		Scan(&bal.BusinessID, &bal.VariationID, &bal.LocationID, &bal.Qty, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{Key: key}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *PGRepository) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return listEntries(ctx, r.pool, filter)
}

func (r *PGRepository) ListKeys(ctx context.Context, filter KeyFilter) ([]ScopedKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT business_id, variation_id, location_id FROM stock_balances
WHERE ($1::bigint IS NULL OR business_id=$1) AND ($2::bigint IS NULL OR location_id=$2) AND ($3::bigint IS NULL OR variation_id=$3)
UNION
SELECT business_id, variation_id, location_id FROM stock_ledger_entries
WHERE ($1::bigint IS NULL OR business_id=$1) AND ($2::bigint IS NULL OR location_id=$2) AND ($3::bigint IS NULL OR variation_id=$3)
ORDER BY 2, 3`, nullInt(filter.BusinessID), nullInt(filter.LocationID), nullInt(filter.VariationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []ScopedKey{}
	for rows.Next() {
		var k ScopedKey
		if err := rows.Scan(&k.BusinessID, &k.VariationID, &k.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *txRepository) LockBalance(ctx context.Context, businessID int64, key Key) (Balance, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (business_id, variation_id, location_id, qty_available, updated_at)
VALUES ($1,$2,$3,0,NOW()) ON CONFLICT (variation_id, location_id) DO NOTHING`, businessID, key.VariationID, key.LocationID); err != nil {
		return Balance{}, err
	}
	var bal Balance
	err := r.tx.QueryRow(ctx, `SELECT business_id, variation_id, location_id, qty_available, updated_at
FROM stock_balances WHERE variation_id=$1 AND location_id=$2 FOR UPDATE`, key.VariationID, key.LocationID).
		Scan(&bal.BusinessID, &bal.VariationID, &bal.LocationID, &bal.Qty, &bal.UpdatedAt)
	if err != nil {
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) SaveBalance(ctx context.Context, balance Balance) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_balances SET qty_available=$3, updated_at=NOW()
WHERE variation_id=$1 AND location_id=$2`, balance.VariationID, balance.LocationID, balance.Qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

func (r *txRepository) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger_entries
(business_id, variation_id, location_id, tx_type, qty_change, balance_after, ref_type, ref_id, occurred_at, actor_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,clock_timestamp()) RETURNING id, created_at`,
		entry.BusinessID, entry.VariationID, entry.LocationID, string(entry.Type), entry.QtyChange, entry.BalanceAfter,
		nullString(entry.Reference.Type), nullInt(entry.Reference.ID), entry.OccurredAt, nullInt(entry.ActorID), entry.Note).
		Scan(&entry.ID, &entry.CreatedAt)
	return entry, err
}

func (r *txRepository) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return listEntries(ctx, r.tx, filter)
}

func (r *txRepository) ReferenceExists(ctx context.Context, businessID int64, ref Reference) (bool, error) {
	table, ok := referenceTables[ref.Type]
	if !ok {
		return false, nil
	}
	var exists bool
	// table comes from the fixed referenceTables map, never from input.
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id=$1 AND business_id=$2)`, ref.ID, businessID).Scan(&exists)
	return exists, err
}

func (r *txRepository) ClaimIdempotencyKey(ctx context.Context, key string) error {
	return shared.NewIdempotencyStore(r.tx).CheckAndInsert(ctx, key, "ledger")
}

func listEntries(ctx context.Context, q querier, filter EntryFilter) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT id, business_id, variation_id, location_id, tx_type, qty_change, balance_after,
COALESCE(ref_type, ''), COALESCE(ref_id, 0), occurred_at, created_at, COALESCE(actor_id, 0), note
FROM stock_ledger_entries
WHERE variation_id=$1 AND location_id=$2
  AND occurred_at >= COALESCE($3::timestamptz, '-infinity') AND occurred_at <= COALESCE($4::timestamptz, 'infinity')
  AND ($5::bigint IS NULL OR business_id=$5)
ORDER BY occurred_at ASC, created_at ASC, id ASC
LIMIT $6`, filter.Key.VariationID, filter.Key.LocationID, nullTime(filter.From), nullTime(filter.To),
		nullInt(filter.BusinessID), nullLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var txType string
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.VariationID, &e.LocationID, &txType, &e.QtyChange, &e.BalanceAfter,
			&e.Reference.Type, &e.Reference.ID, &e.OccurredAt, &e.CreatedAt, &e.ActorID, &e.Note); err != nil {
			return nil, err
		}
		e.Type = TransactionType(txType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
