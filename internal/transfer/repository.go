package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/sequence"
	"github.com/stockline/stockline/internal/shared"
)

// Repository abstracts transfer persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, businessID, id int64) (Transfer, error)
	List(ctx context.Context, filter ListFilter) ([]Transfer, int, error)
}

// TxRepository exposes transactional transfer operations. Ledger and
// sequence writes issued through it share the same transaction.
type TxRepository interface {
	Ledger() ledger.TxRepository
	NextNumber(ctx context.Context, key sequence.Key, max int64) (int64, error)
	Insert(ctx context.Context, t Transfer) (Transfer, error)
	// Lock returns the active transfer with its items and holds a row lock on it.
	Lock(ctx context.Context, businessID, id int64) (Transfer, error)
	Update(ctx context.Context, t Transfer) error
	ReplaceItems(ctx context.Context, transferID int64, items []Item) ([]Item, error)
	UpdateItem(ctx context.Context, item Item) error
}

// PGRepository persists transfers in PostgreSQL.
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

// WithTx wraps callback in a read-committed transaction; contention is
// handled by explicit row locks.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(ctx, &txRepo{tx: tx, ledger: ledger.NewTxRepository(tx)}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transfer: commit tx: %w", err)
	}
	return nil
}

const transferColumns = `id, business_id, transfer_number, from_location_id, to_location_id, status,
stock_deducted, stock_reversed, note, created_by, created_at, updated_at,
sent_at, arrived_at, verified_at, completed_at, cancelled_at, deleted_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t         Transfer
		status    string
		deletedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.BusinessID, &t.Number, &t.FromLocationID, &t.ToLocationID, &status,
		&t.StockDeducted, &t.StockReversed, &t.Note, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
		&t.SentAt, &t.ArrivedAt, &t.VerifiedAt, &t.CompletedAt, &t.CancelledAt, &deletedAt)
	if err != nil {
		return Transfer{}, err
	}
	t.Status = Status(status)
	t.Lifecycle = shared.LifecycleFromNullable(deletedAt)
	return t, nil
}

type itemQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q itemQuerier, transferID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, variation_id, quantity, quantity_received, verified, verified_at, serial_numbers
FROM stock_transfer_items WHERE transfer_id=$1 ORDER BY id`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.TransferID, &it.VariationID, &it.Quantity, &it.Received, &it.Verified, &it.VerifiedAt, &it.SerialNumbers); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Get returns an active transfer with its items.
func (r *PGRepository) Get(ctx context.Context, businessID, id int64) (Transfer, error) {
	t, err := scanTransfer(r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM stock_transfers
WHERE id=$1 AND business_id=$2 AND deleted_at IS NULL`, id, businessID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, err
	}
	if t.Items, err = loadItems(ctx, r.pool, t.ID); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

// List returns active transfers touching a location, newest first, and the total count.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Transfer, int, error) {
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	var status any
	if filter.Status != "" {
		status = string(filter.Status)
	}
	var location any
	if filter.LocationID > 0 {
		location = filter.LocationID
	}
	const where = `WHERE business_id=$1 AND deleted_at IS NULL
AND ($2::bigint IS NULL OR from_location_id=$2 OR to_location_id=$2)
AND ($3::text IS NULL OR status=$3)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_transfers `+where, filter.BusinessID, location, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transferColumns+` FROM stock_transfers `+where+`
ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`, filter.BusinessID, location, status, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	transfers := []Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return transfers, total, nil
}

func (t *txRepo) Ledger() ledger.TxRepository { return t.ledger }

func (t *txRepo) NextNumber(ctx context.Context, key sequence.Key, max int64) (int64, error) {
	return sequence.Issue(ctx, t.tx, key, max)
}

func (t *txRepo) Insert(ctx context.Context, tr Transfer) (Transfer, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_transfers
(business_id, transfer_number, from_location_id, to_location_id, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id`,
		tr.BusinessID, tr.Number, tr.FromLocationID, tr.ToLocationID, string(tr.Status), tr.Note, tr.CreatedBy, tr.CreatedAt).
		Scan(&tr.ID)
	if err != nil {
		return Transfer{}, err
	}
	tr.Items, err = t.ReplaceItems(ctx, tr.ID, tr.Items)
	if err != nil {
		return Transfer{}, err
	}
	return tr, nil
}

func (t *txRepo) Lock(ctx context.Context, businessID, id int64) (Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM stock_transfers
WHERE id=$1 AND business_id=$2 AND deleted_at IS NULL FOR UPDATE`, id, businessID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, err
	}
	if tr.Items, err = loadItems(ctx, t.tx, tr.ID); err != nil {
		return Transfer{}, err
	}
	return tr, nil
}

func (t *txRepo) Update(ctx context.Context, tr Transfer) error {
	tag, err := t.tx.Exec(ctx, `UPDATE stock_transfers SET status=$2, stock_deducted=$3, stock_reversed=$4, note=$5,
sent_at=$6, arrived_at=$7, verified_at=$8, completed_at=$9, cancelled_at=$10, deleted_at=$11, updated_at=$12
WHERE id=$1`, tr.ID, string(tr.Status), tr.StockDeducted, tr.StockReversed, tr.Note,
		tr.SentAt, tr.ArrivedAt, tr.VerifiedAt, tr.CompletedAt, tr.CancelledAt, tr.Lifecycle.Nullable(), tr.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) ReplaceItems(ctx context.Context, transferID int64, items []Item) ([]Item, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM stock_transfer_items WHERE transfer_id=$1`, transferID); err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		it.TransferID = transferID
		serials := it.SerialNumbers
		if serials == nil {
			serials = []string{}
		}
		if err := t.tx.QueryRow(ctx, `INSERT INTO stock_transfer_items
(transfer_id, variation_id, quantity, quantity_received, verified, serial_numbers)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, transferID, it.VariationID, it.Quantity, it.Received, it.Verified, serials).
			Scan(&it.ID); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (t *txRepo) UpdateItem(ctx context.Context, it Item) error {
	serials := it.SerialNumbers
	if serials == nil {
		serials = []string{}
	}
	tag, err := t.tx.Exec(ctx, `UPDATE stock_transfer_items SET quantity_received=$2, verified=$3, verified_at=$4, serial_numbers=$5
WHERE id=$1`, it.ID, it.Received, it.Verified, it.VerifiedAt, serials)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}
