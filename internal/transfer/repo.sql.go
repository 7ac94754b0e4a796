package transfer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ims/atlas-ims/internal/platform/db"
	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// Repository persists transfers and their lines in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository scopes transfer writes to one transaction. Stock exposes
// ledger operations bound to the same transaction so status changes and
// ledger effects commit atomically.
type TxRepository interface {
	Stock() stock.TxRepository
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	GetItems(ctx context.Context, transferID int64) ([]Item, error)
	CreateTransfer(ctx context.Context, t Transfer) (int64, error)
	InsertItem(ctx context.Context, item Item) error
	ReplaceItems(ctx context.Context, transferID int64, items []Item) error
	UpdateStatus(ctx context.Context, transferID int64, status Status) error
	UpdateItemProgress(ctx context.Context, itemID int64, shippedQty, receivedQty float64) error
}

type txRepository struct {
	tx    pgx.Tx
	stock stock.TxRepository
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transfer repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, stock: stock.NewTxRepository(tx)})
	})
}

// GetTransfer loads a transfer with its items.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (Transfer, []Item, error) {
	if r == nil {
		return Transfer{}, nil, errors.New("transfer repository not initialised")
	}
	t, err := scanTransfer(r.pool.QueryRow(ctx, `SELECT id, number, from_location_id, to_location_id, flow, status, note, created_by, created_at, updated_at
FROM transfers WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, nil, ErrNotFound
		}
		return Transfer{}, nil, err
	}
	items, err := queryItems(ctx, r.pool, id)
	if err != nil {
		return Transfer{}, nil, err
	}
	return t, items, nil
}

// ListTransfers returns transfers matching the filter, newest first,
// with the total count before paging.
func (r *Repository) ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, int, error) {
	if r == nil {
		return nil, 0, errors.New("transfer repository not initialised")
	}
	perPage := filter.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	where := ` WHERE ($1::TEXT = '' OR status = $1) AND ($2::BIGINT = 0 OR from_location_id = $2) AND ($3::BIGINT = 0 OR to_location_id = $3)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transfers`+where,
		string(filter.Status), filter.FromLocationID, filter.ToLocationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, from_location_id, to_location_id, flow, status, note, created_by, created_at, updated_at
FROM transfers`+where+` ORDER BY id DESC LIMIT $4 OFFSET $5`,
		string(filter.Status), filter.FromLocationID, filter.ToLocationID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// ListBatchStock reads batched availability without locking, for
// read-only pick proposals.
func (r *Repository) ListBatchStock(ctx context.Context, locationID, goodID int64) ([]stock.BatchStock, error) {
	if r == nil {
		return nil, errors.New("transfer repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT s.batch_id, b.batch_no, b.expiry_date, s.on_hand, s.on_hand - s.reserved
FROM stocks s
JOIN batches b ON b.id = s.batch_id
WHERE s.location_id=$1 AND s.good_id=$2 AND s.on_hand > 0
ORDER BY b.expiry_date ASC NULLS LAST, b.id ASC`, locationID, goodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []stock.BatchStock{}
	for rows.Next() {
		var entry stock.BatchStock
		if err := rows.Scan(&entry.BatchID, &entry.BatchNo, &entry.ExpiryDate, &entry.OnHand, &entry.Available); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *txRepository) Stock() stock.TxRepository {
	return r.stock
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	t, err := scanTransfer(r.tx.QueryRow(ctx, `SELECT id, number, from_location_id, to_location_id, flow, status, note, created_by, created_at, updated_at
FROM transfers WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, err
	}
	return t, nil
}

func (r *txRepository) GetItems(ctx context.Context, transferID int64) ([]Item, error) {
	return queryItems(ctx, r.tx, transferID)
}

func (r *txRepository) CreateTransfer(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfers (number, from_location_id, to_location_id, flow, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW()) RETURNING id`,
		t.Number, t.FromLocationID, t.ToLocationID, string(t.Flow), string(t.Status), t.Note, t.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) error {
	var batchID any
	if id, ok := item.Batch.Value(); ok {
		batchID = id
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO transfer_items (transfer_id, good_id, batch_id, qty, shipped_qty, received_qty)
VALUES ($1,$2,$3,$4,0,0)`, item.TransferID, item.GoodID, batchID, item.Qty)
	return err
}

func (r *txRepository) ReplaceItems(ctx context.Context, transferID int64, items []Item) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM transfer_items WHERE transfer_id=$1`, transferID); err != nil {
		return err
	}
	for _, item := range items {
		if err := r.InsertItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) UpdateStatus(ctx context.Context, transferID int64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE transfers SET status=$2, updated_at=NOW() WHERE id=$1`, transferID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdateItemProgress(ctx context.Context, itemID int64, shippedQty, receivedQty float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE transfer_items SET shipped_qty=$2, received_qty=$3 WHERE id=$1`, itemID, shippedQty, receivedQty)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (Transfer, error) {
	var t Transfer
	var flow, status string
	if err := row.Scan(&t.ID, &t.Number, &t.FromLocationID, &t.ToLocationID, &flow, &status, &t.Note, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transfer{}, err
	}
	t.Flow = FlowType(flow)
	t.Status = Status(status)
	return t, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryItems(ctx context.Context, q querier, transferID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, good_id, COALESCE(batch_id, 0), qty, shipped_qty, received_qty
FROM transfer_items WHERE transfer_id=$1 ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var item Item
		var batchID int64
		if err := rows.Scan(&item.ID, &item.TransferID, &item.GoodID, &batchID, &item.Qty, &item.ShippedQty, &item.ReceivedQty); err != nil {
			return nil, err
		}
		item.Batch = stock.BatchID(batchID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
