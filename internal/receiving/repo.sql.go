package receiving

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ims/atlas-ims/internal/platform/db"
	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// Repository persists purchase orders and receipts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository scopes receiving writes to one transaction. Stock binds
// batch registration and ledger posting to the same transaction as the
// receipt rows.
type TxRepository interface {
	Stock() stock.TxRepository
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	GetPOLines(ctx context.Context, poID int64) ([]POLine, error)
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) error
	UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error
	UpdatePOLineProgress(ctx context.Context, lineID int64, receivedQty, price float64) error
	GetReceiptForUpdate(ctx context.Context, id int64) (Receipt, error)
	GetReceiptDetails(ctx context.Context, receiptID int64) ([]ReceiptDetail, error)
	CreateReceipt(ctx context.Context, receipt Receipt) (int64, error)
	InsertReceiptDetail(ctx context.Context, detail ReceiptDetail) error
	UpdateReceiptStatus(ctx context.Context, receiptID int64, status ReceiptStatus) error
}

type txRepository struct {
	tx    pgx.Tx
	stock stock.TxRepository
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("receiving repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, stock: stock.NewTxRepository(tx)})
	})
}

// GetPO loads a purchase order with its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	if r == nil {
		return PurchaseOrder{}, nil, errors.New("receiving repository not initialised")
	}
	po, err := scanPO(r.pool.QueryRow(ctx, `SELECT id, number, supplier_id, status, note, created_by, created_at, updated_at
FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, ErrNotFound
		}
		return PurchaseOrder{}, nil, err
	}
	lines, err := queryPOLines(ctx, r.pool, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

// ListPOs returns purchase orders newest first with the total count.
func (r *Repository) ListPOs(ctx context.Context, status POStatus, supplierID int64, page, perPage int) ([]PurchaseOrder, int, error) {
	if r == nil {
		return nil, 0, errors.New("receiving repository not initialised")
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	where := ` WHERE ($1::TEXT = '' OR status = $1) AND ($2::BIGINT = 0 OR supplier_id = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+where, string(status), supplierID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, supplier_id, status, note, created_by, created_at, updated_at
FROM purchase_orders`+where+` ORDER BY id DESC LIMIT $3 OFFSET $4`, string(status), supplierID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, po)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// GetReceipt loads a receipt with its details.
func (r *Repository) GetReceipt(ctx context.Context, id int64) (Receipt, []ReceiptDetail, error) {
	if r == nil {
		return Receipt{}, nil, errors.New("receiving repository not initialised")
	}
	receipt, err := scanReceipt(r.pool.QueryRow(ctx, `SELECT id, number, po_id, supplier_id, status, note, created_by, created_at, updated_at
FROM receipts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, nil, ErrNotFound
		}
		return Receipt{}, nil, err
	}
	details, err := queryReceiptDetails(ctx, r.pool, id)
	if err != nil {
		return Receipt{}, nil, err
	}
	return receipt, details, nil
}

func (r *txRepository) Stock() stock.TxRepository {
	return r.stock
}

func (r *txRepository) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanPO(r.tx.QueryRow(ctx, `SELECT id, number, supplier_id, status, note, created_by, created_at, updated_at
FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (r *txRepository) GetPOLines(ctx context.Context, poID int64) ([]POLine, error) {
	return queryPOLines(ctx, r.tx, poID)
}

func (r *txRepository) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id`,
		po.Number, po.SupplierID, string(po.Status), po.Note, po.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertPOLine(ctx context.Context, line POLine) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO po_lines (po_id, good_id, ordered_qty, received_qty, price)
VALUES ($1,$2,$3,0,$4)`, line.POID, line.GoodID, line.OrderedQty, line.Price)
	return err
}

func (r *txRepository) UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=NOW() WHERE id=$1`, poID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdatePOLineProgress(ctx context.Context, lineID int64, receivedQty, price float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE po_lines SET received_qty=$2, price=$3 WHERE id=$1`, lineID, receivedQty, price)
	return err
}

func (r *txRepository) GetReceiptForUpdate(ctx context.Context, id int64) (Receipt, error) {
	receipt, err := scanReceipt(r.tx.QueryRow(ctx, `SELECT id, number, po_id, supplier_id, status, note, created_by, created_at, updated_at
FROM receipts WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, err
	}
	return receipt, nil
}

func (r *txRepository) GetReceiptDetails(ctx context.Context, receiptID int64) ([]ReceiptDetail, error) {
	return queryReceiptDetails(ctx, r.tx, receiptID)
}

func (r *txRepository) CreateReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO receipts (number, po_id, supplier_id, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id`,
		receipt.Number, receipt.POID, receipt.SupplierID, string(receipt.Status), receipt.Note, receipt.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertReceiptDetail(ctx context.Context, detail ReceiptDetail) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO receipt_details (receipt_id, good_id, batch_id, qty, price, location_id)
VALUES ($1,$2,$3,$4,$5,$6)`, detail.ReceiptID, detail.GoodID, detail.BatchID, detail.Qty, detail.Price, detail.LocationID)
	return err
}

func (r *txRepository) UpdateReceiptStatus(ctx context.Context, receiptID int64, status ReceiptStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE receipts SET status=$2, updated_at=NOW() WHERE id=$1`, receiptID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanPO(row rowScanner) (PurchaseOrder, error) {
	var po PurchaseOrder
	var status string
	if err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &status, &po.Note, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt); err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)
	return po, nil
}

func scanReceipt(row rowScanner) (Receipt, error) {
	var receipt Receipt
	var status string
	if err := row.Scan(&receipt.ID, &receipt.Number, &receipt.POID, &receipt.SupplierID, &status, &receipt.Note, &receipt.CreatedBy, &receipt.CreatedAt, &receipt.UpdatedAt); err != nil {
		return Receipt{}, err
	}
	receipt.Status = ReceiptStatus(status)
	return receipt, nil
}

func queryPOLines(ctx context.Context, q querier, poID int64) ([]POLine, error) {
	rows, err := q.Query(ctx, `SELECT id, po_id, good_id, ordered_qty, received_qty, price
FROM po_lines WHERE po_id=$1 ORDER BY id ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []POLine{}
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.ID, &line.POID, &line.GoodID, &line.OrderedQty, &line.ReceivedQty, &line.Price); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func queryReceiptDetails(ctx context.Context, q querier, receiptID int64) ([]ReceiptDetail, error) {
	rows, err := q.Query(ctx, `SELECT id, receipt_id, good_id, batch_id, qty, price, location_id
FROM receipt_details WHERE receipt_id=$1 ORDER BY id ASC`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	details := []ReceiptDetail{}
	for rows.Next() {
		var detail ReceiptDetail
		if err := rows.Scan(&detail.ID, &detail.ReceiptID, &detail.GoodID, &detail.BatchID, &detail.Qty, &detail.Price, &detail.LocationID); err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}
