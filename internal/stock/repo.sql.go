package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ims/atlas-ims/internal/platform/db"
)

// Repository persists ledger and batch data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the ledger and its
// callers need. Other modules embed it in their own transaction scope
// via NewTxRepository so header, lines and ledger rows commit together.
type TxRepository interface {
	GetStockForUpdate(ctx context.Context, locationID, goodID int64, batch BatchRef) (Stock, error)
	UpsertStock(ctx context.Context, row Stock) error
	GetBatch(ctx context.Context, id int64) (Batch, error)
	FindBatchByNo(ctx context.Context, goodID int64, batchNo string) (Batch, error)
	CreateBatch(ctx context.Context, batch Batch) (int64, error)
	ListBatchStock(ctx context.Context, locationID, goodID int64) ([]BatchStock, error)
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction with ledger operations.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetAvailable sums OnHand-Reserved for a good across the given
// location set.
func (r *Repository) GetAvailable(ctx context.Context, locationIDs []int64, goodID int64) (float64, error) {
	if r == nil {
		return 0, errors.New("stock repository not initialised")
	}
	var available float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(on_hand - reserved), 0) FROM stocks WHERE location_id = ANY($1) AND good_id = $2`, locationIDs, goodID).Scan(&available)
	return available, err
}

// ListAvailability returns per-batch availability for the filter,
// aggregated across the location set.
func (r *Repository) ListAvailability(ctx context.Context, filter AvailabilityFilter) ([]BatchAvailability, error) {
	if r == nil {
		return nil, errors.New("stock repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT s.good_id, g.sku, COALESCE(s.batch_id, 0), COALESCE(b.batch_no, ''), b.expiry_date, SUM(s.on_hand - s.reserved) AS available
FROM stocks s
JOIN goods g ON g.id = s.good_id
LEFT JOIN batches b ON b.id = s.batch_id
WHERE s.location_id = ANY($1)
  AND ($2::BIGINT = 0 OR s.good_id = $2)
  AND ($3::TEXT = '' OR g.sku ILIKE '%'||$3||'%' OR g.name ILIKE '%'||$3||'%')
GROUP BY s.good_id, g.sku, s.batch_id, b.batch_no, b.expiry_date
HAVING SUM(s.on_hand - s.reserved) > 0
ORDER BY s.good_id ASC, b.expiry_date ASC NULLS LAST, s.batch_id ASC NULLS FIRST`, filter.LocationIDs, filter.GoodID, filter.Keyword)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []BatchAvailability{}
	for rows.Next() {
		var entry BatchAvailability
		var expiry *time.Time
		if err := rows.Scan(&entry.GoodID, &entry.SKU, &entry.BatchID, &entry.BatchNo, &expiry, &entry.Available); err != nil {
			return nil, err
		}
		if expiry != nil {
			formatted := expiry.Format("2006-01-02")
			entry.ExpiryDate = &formatted
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *txRepository) GetStockForUpdate(ctx context.Context, locationID, goodID int64, batch BatchRef) (Stock, error) {
	var row Stock
	var batchID *int64
	err := r.tx.QueryRow(ctx, `SELECT location_id, good_id, batch_id, on_hand, reserved, in_transit, version, updated_at
FROM stocks WHERE location_id=$1 AND good_id=$2 AND batch_key=$3 FOR UPDATE`, locationID, goodID, batch.Key()).
		Scan(&row.LocationID, &row.GoodID, &batchID, &row.OnHand, &row.Reserved, &row.InTransit, &row.Version, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stock{}, ErrStockRowNotFound
		}
		return Stock{}, err
	}
	if batchID != nil {
		row.Batch = BatchID(*batchID)
	}
	return row, nil
}

// UpsertStock writes the row, bumping its version. A version mismatch
// against the expected value means a concurrent writer got there first
// under snapshot isolation; the caller surfaces ErrConcurrencyConflict
// instead of silently losing the update.
func (r *txRepository) UpsertStock(ctx context.Context, row Stock) error {
	var batchID any
	if id, ok := row.Batch.Value(); ok {
		batchID = id
	}
	tag, err := r.tx.Exec(ctx, `INSERT INTO stocks (location_id, good_id, batch_id, on_hand, reserved, in_transit, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,1,NOW())
ON CONFLICT (location_id, good_id, batch_key)
DO UPDATE SET on_hand=EXCLUDED.on_hand, reserved=EXCLUDED.reserved, in_transit=EXCLUDED.in_transit, version=stocks.version+1, updated_at=NOW()
WHERE stocks.version=$7`, row.LocationID, row.GoodID, batchID, row.OnHand, row.Reserved, row.InTransit, row.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func (r *txRepository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	var batch Batch
	err := r.tx.QueryRow(ctx, `SELECT id, good_id, batch_no, expiry_date, created_at FROM batches WHERE id=$1`, id).
		Scan(&batch.ID, &batch.GoodID, &batch.BatchNo, &batch.ExpiryDate, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return batch, nil
}

func (r *txRepository) FindBatchByNo(ctx context.Context, goodID int64, batchNo string) (Batch, error) {
	var batch Batch
	err := r.tx.QueryRow(ctx, `SELECT id, good_id, batch_no, expiry_date, created_at FROM batches WHERE good_id=$1 AND batch_no=$2`, goodID, batchNo).
		Scan(&batch.ID, &batch.GoodID, &batch.BatchNo, &batch.ExpiryDate, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return batch, nil
}

func (r *txRepository) CreateBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (good_id, batch_no, expiry_date, created_at) VALUES ($1,$2,$3,NOW()) RETURNING id`,
		batch.GoodID, batch.BatchNo, batch.ExpiryDate).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrBatchConflict
		}
		return 0, err
	}
	return id, nil
}

// ListBatchStock returns batched rows with OnHand > 0 at one location,
// locked and ordered the way the allocator consumes them: earliest
// expiry first, no-expiry last, batch id as tie-break.
func (r *txRepository) ListBatchStock(ctx context.Context, locationID, goodID int64) ([]BatchStock, error) {
	rows, err := r.tx.Query(ctx, `SELECT s.batch_id, b.batch_no, b.expiry_date, s.on_hand, s.on_hand - s.reserved
FROM stocks s
JOIN batches b ON b.id = s.batch_id
WHERE s.location_id=$1 AND s.good_id=$2 AND s.on_hand > 0
ORDER BY b.expiry_date ASC NULLS LAST, b.id ASC
FOR UPDATE OF s`, locationID, goodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []BatchStock{}
	for rows.Next() {
		var entry BatchStock
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
