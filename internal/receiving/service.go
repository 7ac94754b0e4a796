package receiving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlas-ims/atlas-ims/internal/shared"
	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	ListPOs(ctx context.Context, status POStatus, supplierID int64, page, perPage int) ([]PurchaseOrder, int, error)
	GetReceipt(ctx context.Context, id int64) (Receipt, []ReceiptDetail, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the inbound workflow from purchase order to posted
// receipt. Receipt creation registers batches but touches no
// quantities; confirmation posts the ledger. The two-step split keeps
// a data-entry mistake reversible until the stock physically exists.
type Service struct {
	repo        RepositoryPort
	ledger      *stock.Ledger
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger
}

// NewService constructs receiving service.
func NewService(repo RepositoryPort, ledger *stock.Ledger, audit AuditPort, idem *shared.IdempotencyStore, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: ledger, audit: audit, idempotency: idem, logger: logger}
}

// POLineInput is one ordered good on a new purchase order.
type POLineInput struct {
	GoodID     int64
	OrderedQty float64
	Price      float64
}

// CreatePOInput describes purchase order creation.
type CreatePOInput struct {
	SupplierID int64
	Note       string
	ActorID    int64
	Lines      []POLineInput
}

// ReceiptItemInput is one delivered batch line.
type ReceiptItemInput struct {
	GoodID     int64
	BatchNo    string
	ExpiryDate *time.Time
	Qty        float64
	Price      float64
}

// CreateReceiptInput describes receipt creation against an order.
type CreateReceiptInput struct {
	POID       int64
	SupplierID int64
	LocationID int64
	Note       string
	ActorID    int64
	Items      []ReceiptItemInput
}

// CreatePurchaseOrder persists a new Draft order with its lines.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if input.SupplierID == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range input.Lines {
		if line.GoodID == 0 || line.OrderedQty <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: every line needs a good and positive qty", ErrValidation)
		}
		if line.Price < 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: price cannot be negative", ErrValidation)
		}
	}
	po := PurchaseOrder{
		Number:     generateNumber("PO"),
		SupplierID: input.SupplierID,
		Status:     POStatusDraft,
		Note:       input.Note,
		CreatedBy:  input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range input.Lines {
			if err := tx.InsertPOLine(ctx, POLine{POID: id, GoodID: line.GoodID, OrderedQty: line.OrderedQty, Price: line.Price}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "PO_CREATE", "purchase_order", po.ID, map[string]any{"number": po.Number})
	return po, nil
}

// SubmitPurchaseOrder moves a Draft order to Submitted, opening it for
// receipts.
func (s *Service) SubmitPurchaseOrder(ctx context.Context, poID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != POStatusDraft {
			return fmt.Errorf("%w: submit requires DRAFT, order is %s", ErrInvalidState, po.Status)
		}
		return tx.UpdatePOStatus(ctx, poID, POStatusSubmitted)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_SUBMIT", "purchase_order", poID, nil)
	return nil
}

// GetPurchaseOrder loads one order with its lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, poID int64) (PurchaseOrder, []POLine, error) {
	return s.repo.GetPO(ctx, poID)
}

// ListPurchaseOrders returns orders matching the filter.
func (s *Service) ListPurchaseOrders(ctx context.Context, status POStatus, supplierID int64, page, perPage int) ([]PurchaseOrder, int, error) {
	return s.repo.ListPOs(ctx, status, supplierID, page, perPage)
}

// CreateReceiptFromPO records a delivery. Validation runs in a fixed
// order so clients get stable failures: order ownership and status,
// goods against the order, duplicates within the call, duplicates
// against the batch registry, expiry. On success one transaction
// creates the receipt, registers one batch per item, stores the
// details and backfills unpriced order lines from the delivery.
func (s *Service) CreateReceiptFromPO(ctx context.Context, input CreateReceiptInput) (Receipt, error) {
	if input.LocationID == 0 {
		return Receipt{}, fmt.Errorf("%w: destination location required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return Receipt{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	for _, item := range input.Items {
		if item.GoodID == 0 || item.Qty <= 0 {
			return Receipt{}, fmt.Errorf("%w: every item needs a good and positive qty", ErrValidation)
		}
		if item.BatchNo == "" {
			return Receipt{}, fmt.Errorf("%w: every item needs a batch number", ErrValidation)
		}
		if item.Price < 0 {
			return Receipt{}, fmt.Errorf("%w: price cannot be negative", ErrValidation)
		}
	}

	receipt := Receipt{
		Number:    generateNumber("RCV"),
		POID:      input.POID,
		Status:    ReceiptStatusSubmitted,
		Note:      input.Note,
		CreatedBy: input.ActorID,
	}
	// Expiry is date-granular; a batch expiring today is still receivable.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, input.POID)
		if err != nil {
			return err
		}
		if input.SupplierID != 0 && po.SupplierID != input.SupplierID {
			return fmt.Errorf("%w: order %s belongs to another supplier", ErrValidation, po.Number)
		}
		if !po.Status.Receivable() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, po.Number, po.Status)
		}
		receipt.SupplierID = po.SupplierID

		lines, err := tx.GetPOLines(ctx, input.POID)
		if err != nil {
			return err
		}
		lineByGood := make(map[int64]*POLine, len(lines))
		for i := range lines {
			lineByGood[lines[i].GoodID] = &lines[i]
		}
		for _, item := range input.Items {
			if _, ok := lineByGood[item.GoodID]; !ok {
				return fmt.Errorf("good %d: %w", item.GoodID, ErrGoodNotOnOrder)
			}
		}

		type batchKey struct {
			goodID  int64
			batchNo string
		}
		seen := make(map[batchKey]bool, len(input.Items))
		for _, item := range input.Items {
			key := batchKey{item.GoodID, item.BatchNo}
			if seen[key] {
				return fmt.Errorf("good %d batch %s: %w", item.GoodID, item.BatchNo, ErrDuplicateBatch)
			}
			seen[key] = true
		}
		for _, item := range input.Items {
			_, err := tx.Stock().FindBatchByNo(ctx, item.GoodID, item.BatchNo)
			if err == nil {
				return fmt.Errorf("good %d batch %s: %w", item.GoodID, item.BatchNo, ErrDuplicateBatch)
			}
			if !errors.Is(err, stock.ErrBatchNotFound) {
				return err
			}
		}
		for _, item := range input.Items {
			if item.ExpiryDate != nil && item.ExpiryDate.Before(today) {
				return fmt.Errorf("good %d batch %s: %w", item.GoodID, item.BatchNo, ErrExpiredBatch)
			}
		}

		receiptID, err := tx.CreateReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = receiptID
		for _, item := range input.Items {
			batchID, err := tx.Stock().CreateBatch(ctx, stock.Batch{GoodID: item.GoodID, BatchNo: item.BatchNo, ExpiryDate: item.ExpiryDate})
			if err != nil {
				return err
			}
			if err := tx.InsertReceiptDetail(ctx, ReceiptDetail{
				ReceiptID:  receiptID,
				GoodID:     item.GoodID,
				BatchID:    batchID,
				Qty:        item.Qty,
				Price:      item.Price,
				LocationID: input.LocationID,
			}); err != nil {
				return err
			}
			line := lineByGood[item.GoodID]
			line.ReceivedQty += item.Qty
			if line.Price == 0 && item.Price > 0 {
				line.Price = item.Price
			}
			if err := tx.UpdatePOLineProgress(ctx, line.ID, line.ReceivedQty, line.Price); err != nil {
				return err
			}
		}
		return tx.UpdatePOStatus(ctx, input.POID, POStatusReceived)
	})
	if err != nil {
		return Receipt{}, err
	}
	s.recordAudit(ctx, input.ActorID, "RECEIPT_CREATE", "receipt", receipt.ID, map[string]any{"number": receipt.Number, "po_id": input.POID})
	return receipt, nil
}

// ConfirmReceipt posts a submitted receipt to the ledger, increasing
// OnHand per detail at its location. Guarded by an idempotency key so
// a retried confirmation cannot double-post.
func (s *Service) ConfirmReceipt(ctx context.Context, receiptID, actorID int64) error {
	receipt, _, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("RCV-CONFIRM:%s", receipt.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "receiving"); err != nil {
			return err
		}
		inserted = true
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		receipt, err := tx.GetReceiptForUpdate(ctx, receiptID)
		if err != nil {
			return err
		}
		if receipt.Status != ReceiptStatusSubmitted {
			return fmt.Errorf("%w: confirm requires SUBMITTED, receipt is %s", ErrInvalidState, receipt.Status)
		}
		details, err := tx.GetReceiptDetails(ctx, receiptID)
		if err != nil {
			return err
		}
		for _, detail := range details {
			if err := s.ledger.Inbound(ctx, tx.Stock(), detail.LocationID, detail.GoodID, stock.BatchID(detail.BatchID), detail.Qty); err != nil {
				return err
			}
		}
		return tx.UpdateReceiptStatus(ctx, receiptID, ReceiptStatusConfirmed)
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return err
	}
	s.recordAudit(ctx, actorID, "RECEIPT_CONFIRM", "receipt", receiptID, map[string]any{"number": receipt.Number})
	return nil
}

// CancelReceipt abandons a submitted receipt without ledger effect.
// The batches it registered stay registered; their numbers are burned.
func (s *Service) CancelReceipt(ctx context.Context, receiptID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		receipt, err := tx.GetReceiptForUpdate(ctx, receiptID)
		if err != nil {
			return err
		}
		if receipt.Status != ReceiptStatusSubmitted {
			return fmt.Errorf("%w: cancel requires SUBMITTED, receipt is %s", ErrInvalidState, receipt.Status)
		}
		return tx.UpdateReceiptStatus(ctx, receiptID, ReceiptStatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "RECEIPT_CANCEL", "receipt", receiptID, nil)
	return nil
}

// GetReceipt loads one receipt with its details.
func (s *Service) GetReceipt(ctx context.Context, receiptID int64) (Receipt, []ReceiptDetail, error) {
	return s.repo.GetReceipt(ctx, receiptID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: entity, EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
