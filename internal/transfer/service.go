package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/atlas-ims/atlas-ims/internal/allocation"
	"github.com/atlas-ims/atlas-ims/internal/shared"
	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// qtyEpsilon tolerates float accumulation noise in progress checks.
const qtyEpsilon = 1e-4

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, id int64) (Transfer, []Item, error)
	ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, int, error)
	ListBatchStock(ctx context.Context, locationID, goodID int64) ([]stock.BatchStock, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ListFilter narrows transfer listings.
type ListFilter struct {
	Status         Status
	FromLocationID int64
	ToLocationID   int64
	Page           int
	PerPage        int
}

// Service drives the transfer state machine. Every transition runs
// inside one transaction that locks the header row, so concurrent
// transitions against the same transfer serialize; ledger effects
// commit together with the status change or not at all.
type Service struct {
	repo        RepositoryPort
	ledger      *stock.Ledger
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	integration IntegrationHandler
	logger      *slog.Logger
}

// NewService constructs transfer service.
func NewService(repo RepositoryPort, ledger *stock.Ledger, audit AuditPort, idem *shared.IdempotencyStore, integration IntegrationHandler, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: ledger, audit: audit, idempotency: idem, integration: integration, logger: logger}
}

// LineInput describes a requested line. BatchID zero leaves the line
// unbatched; a batch must be assigned before submit.
type LineInput struct {
	GoodID  int64
	BatchID int64
	Qty     float64
}

// CreateInput describes transfer creation.
type CreateInput struct {
	FromLocationID int64
	ToLocationID   int64
	Flow           FlowType
	Note           string
	ActorID        int64
	Lines          []LineInput
}

// QtyOverride limits one item's quantity in a partial ship or receive
// call.
type QtyOverride struct {
	ItemID int64
	Qty    float64
}

// PickInput is one (good, batch, qty) the operator accepted from the
// allocator's proposal.
type PickInput struct {
	GoodID  int64
	BatchID int64
	Qty     float64
}

// GoodPlan is the allocator proposal for one good of a transfer.
type GoodPlan struct {
	GoodID    int64           `json:"good_id"`
	Requested float64         `json:"requested"`
	Plan      allocation.Plan `json:"plan"`
}

// Create persists a new Draft transfer.
func (s *Service) Create(ctx context.Context, input CreateInput) (Transfer, error) {
	if input.FromLocationID == 0 || input.ToLocationID == 0 {
		return Transfer{}, fmt.Errorf("%w: source and destination locations required", ErrValidation)
	}
	if input.FromLocationID == input.ToLocationID {
		return Transfer{}, fmt.Errorf("%w: source and destination must differ", ErrValidation)
	}
	if input.Flow == "" {
		input.Flow = FlowStaged
	}
	if !input.Flow.Valid() {
		return Transfer{}, fmt.Errorf("%w: unknown flow type %q", ErrValidation, input.Flow)
	}
	if err := validateLines(input.Lines); err != nil {
		return Transfer{}, err
	}

	t := Transfer{
		Number:         generateNumber("TRF"),
		FromLocationID: input.FromLocationID,
		ToLocationID:   input.ToLocationID,
		Flow:           input.Flow,
		Status:         StatusDraft,
		Note:           input.Note,
		CreatedBy:      input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateTransfer(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		for _, line := range input.Lines {
			item := Item{TransferID: id, GoodID: line.GoodID, Batch: stock.BatchID(line.BatchID), Qty: line.Qty}
			if err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, input.ActorID, "TRANSFER_CREATE", t.ID, map[string]any{"number": t.Number, "flow": string(t.Flow)})
	return t, nil
}

// Update replaces the line items of a Draft transfer wholesale.
func (s *Service) Update(ctx context.Context, transferID, actorID int64, lines []LineInput) error {
	if err := validateLines(lines); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Status != StatusDraft {
			return fmt.Errorf("%w: update requires DRAFT, transfer is %s", ErrInvalidState, t.Status)
		}
		items := make([]Item, 0, len(lines))
		for _, line := range lines {
			items = append(items, Item{TransferID: transferID, GoodID: line.GoodID, Batch: stock.BatchID(line.BatchID), Qty: line.Qty})
		}
		return tx.ReplaceItems(ctx, transferID, items)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "TRANSFER_UPDATE", transferID, map[string]any{"lines": len(lines)})
	return nil
}

// Submit moves a Draft transfer to Approved, reserving every line at
// the source. Any line failing availability aborts the whole call.
func (s *Service) Submit(ctx context.Context, transferID, actorID int64) (Status, error) {
	var status Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Status != StatusDraft {
			return fmt.Errorf("%w: submit requires DRAFT, transfer is %s", ErrInvalidState, t.Status)
		}
		items, err := tx.GetItems(ctx, transferID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("%w: transfer has no lines", ErrValidation)
		}
		for _, item := range items {
			if !item.Batch.Specified() {
				return fmt.Errorf("good %d: %w", item.GoodID, ErrBatchRequired)
			}
			if err := s.ledger.Reserve(ctx, tx.Stock(), t.FromLocationID, item.GoodID, item.Batch, item.Qty); err != nil {
				return err
			}
		}
		status = StatusApproved
		return tx.UpdateStatus(ctx, transferID, StatusApproved)
	})
	if err != nil {
		return "", err
	}
	s.recordAudit(ctx, actorID, "TRANSFER_SUBMIT", transferID, nil)
	return status, nil
}

// Ship moves stock of a staged transfer into transit. With no
// overrides every line ships its full remainder; overrides restrict
// the call to the listed items. Partial progress across calls is by
// design; the lines of one call are all-or-nothing.
func (s *Service) Ship(ctx context.Context, transferID, actorID int64, overrides []QtyOverride) (Status, error) {
	var status Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Flow != FlowStaged {
			return fmt.Errorf("%w: ship applies to STAGED transfers only", ErrInvalidState)
		}
		if !t.Status.CanShip() {
			return fmt.Errorf("%w: ship requires APPROVED or SHIPPING, transfer is %s", ErrInvalidState, t.Status)
		}
		items, err := tx.GetItems(ctx, transferID)
		if err != nil {
			return err
		}
		selected, err := selectQuantities(items, overrides, Item.ShipRemaining)
		if err != nil {
			return err
		}
		shipped := false
		for idx := range items {
			qty := selected[items[idx].ID]
			if qty <= 0 {
				continue
			}
			item := &items[idx]
			if err := s.ledger.ShipOut(ctx, tx.Stock(), t.FromLocationID, item.GoodID, item.Batch, qty); err != nil {
				return err
			}
			if err := s.ledger.ReceiveInTransit(ctx, tx.Stock(), t.ToLocationID, item.GoodID, item.Batch, qty); err != nil {
				return err
			}
			item.ShippedQty += qty
			if err := tx.UpdateItemProgress(ctx, item.ID, item.ShippedQty, item.ReceivedQty); err != nil {
				return err
			}
			shipped = true
		}
		if !shipped {
			return fmt.Errorf("%w: nothing left to ship", ErrValidation)
		}
		status = StatusShipping
		if allShipped(items) {
			status = StatusShipped
		}
		return tx.UpdateStatus(ctx, transferID, status)
	})
	if err != nil {
		return "", err
	}
	s.recordAudit(ctx, actorID, "TRANSFER_SHIP", transferID, map[string]any{"status": string(status)})
	return status, nil
}

// Receive confirms in-transit quantity of a staged transfer at the
// destination, symmetric to Ship over the shipped-not-received
// remainder.
func (s *Service) Receive(ctx context.Context, transferID, actorID int64, overrides []QtyOverride) (Status, error) {
	var status Status
	var event *ReceivedEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Flow != FlowStaged {
			return fmt.Errorf("%w: receive applies to STAGED transfers only", ErrInvalidState)
		}
		if !t.Status.CanReceive() {
			return fmt.Errorf("%w: receive requires a shipped transfer, transfer is %s", ErrInvalidState, t.Status)
		}
		items, err := tx.GetItems(ctx, transferID)
		if err != nil {
			return err
		}
		selected, err := selectQuantities(items, overrides, Item.ReceiveRemaining)
		if err != nil {
			return err
		}
		received := false
		for idx := range items {
			qty := selected[items[idx].ID]
			if qty <= 0 {
				continue
			}
			item := &items[idx]
			if err := s.ledger.ConfirmReceipt(ctx, tx.Stock(), t.ToLocationID, item.GoodID, item.Batch, qty); err != nil {
				return err
			}
			item.ReceivedQty += qty
			if err := tx.UpdateItemProgress(ctx, item.ID, item.ShippedQty, item.ReceivedQty); err != nil {
				return err
			}
			received = true
		}
		if !received {
			return fmt.Errorf("%w: nothing left to receive", ErrValidation)
		}
		status = StatusReceiving
		if allReceived(items) {
			status = StatusReceived
			event = &ReceivedEvent{
				TransferID:     t.ID,
				Number:         t.Number,
				FromLocationID: t.FromLocationID,
				ToLocationID:   t.ToLocationID,
				Flow:           t.Flow,
				ReceivedBy:     actorID,
				ReceivedAt:     time.Now().UTC(),
			}
		}
		return tx.UpdateStatus(ctx, transferID, status)
	})
	if err != nil {
		return "", err
	}
	s.recordAudit(ctx, actorID, "TRANSFER_RECEIVE", transferID, map[string]any{"status": string(status)})
	s.emitReceived(ctx, event)
	return status, nil
}

// ProposePick runs the FEFO allocator against an approved direct
// transfer without locking or mutating anything; the returned plans
// are what Accept will consume.
func (s *Service) ProposePick(ctx context.Context, transferID int64) ([]GoodPlan, error) {
	t, items, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Flow != FlowDirect {
		return nil, fmt.Errorf("%w: proposals apply to DIRECT transfers only", ErrInvalidState)
	}
	if t.Status != StatusApproved {
		return nil, fmt.Errorf("%w: proposal requires APPROVED, transfer is %s", ErrInvalidState, t.Status)
	}
	requested := requestedByGood(items)
	plans := make([]GoodPlan, 0, len(requested))
	for _, goodID := range sortedGoodIDs(requested) {
		batches, err := s.repo.ListBatchStock(ctx, t.FromLocationID, goodID)
		if err != nil {
			return nil, err
		}
		plan, err := allocation.Allocate(toAllocatorInput(batches), requested[goodID])
		if err != nil {
			return nil, err
		}
		plans = append(plans, GoodPlan{GoodID: goodID, Requested: requested[goodID], Plan: plan})
	}
	return plans, nil
}

// Accept fulfills an approved direct transfer in one step. The
// reservation taken at submit moves onto the allocated batches inside
// the same transaction: release per line, then reserve and directly
// accept per allocated batch, so every intermediate state satisfies
// the ledger invariants. Any shortfall fails the whole call.
func (s *Service) Accept(ctx context.Context, transferID, actorID int64, picked []PickInput) (Status, error) {
	t, _, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("TRF-ACCEPT:%s", t.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "transfer"); err != nil {
			return "", err
		}
		inserted = true
	}

	var event *ReceivedEvent
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Flow != FlowDirect {
			return fmt.Errorf("%w: accept applies to DIRECT transfers only", ErrInvalidState)
		}
		if t.Status != StatusApproved {
			return fmt.Errorf("%w: accept requires APPROVED, transfer is %s", ErrInvalidState, t.Status)
		}
		items, err := tx.GetItems(ctx, transferID)
		if err != nil {
			return err
		}
		requested := requestedByGood(items)

		plans, err := s.resolvePicks(ctx, tx, t.FromLocationID, requested, picked)
		if err != nil {
			return err
		}

		for _, item := range items {
			if err := s.ledger.ReleaseReservation(ctx, tx.Stock(), t.FromLocationID, item.GoodID, item.Batch, item.Qty); err != nil {
				return err
			}
		}
		for _, goodID := range sortedGoodIDs(plans) {
			for _, line := range plans[goodID] {
				batch := stock.BatchID(line.BatchID)
				if err := s.ledger.Reserve(ctx, tx.Stock(), t.FromLocationID, goodID, batch, line.Qty); err != nil {
					return err
				}
				if err := s.ledger.DirectAccept(ctx, tx.Stock(), t.FromLocationID, t.ToLocationID, goodID, batch, line.Qty); err != nil {
					return err
				}
			}
		}
		for _, item := range items {
			if err := tx.UpdateItemProgress(ctx, item.ID, item.Qty, item.Qty); err != nil {
				return err
			}
		}
		event = &ReceivedEvent{
			TransferID:     t.ID,
			Number:         t.Number,
			FromLocationID: t.FromLocationID,
			ToLocationID:   t.ToLocationID,
			Flow:           t.Flow,
			ReceivedBy:     actorID,
			ReceivedAt:     time.Now().UTC(),
		}
		return tx.UpdateStatus(ctx, transferID, StatusReceived)
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return "", err
	}
	s.recordAudit(ctx, actorID, "TRANSFER_ACCEPT", transferID, map[string]any{"number": t.Number})
	s.emitReceived(ctx, event)
	return StatusReceived, nil
}

// Reject cancels a Draft or Approved transfer, releasing any
// reservation taken at submit.
func (s *Service) Reject(ctx context.Context, transferID, actorID int64) (Status, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if !t.Status.CanCancel() {
			return fmt.Errorf("%w: reject requires DRAFT or APPROVED, transfer is %s", ErrInvalidState, t.Status)
		}
		if t.Status == StatusApproved {
			items, err := tx.GetItems(ctx, transferID)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := s.ledger.ReleaseReservation(ctx, tx.Stock(), t.FromLocationID, item.GoodID, item.Batch, item.Qty); err != nil {
					return err
				}
			}
		}
		return tx.UpdateStatus(ctx, transferID, StatusCancelled)
	})
	if err != nil {
		return "", err
	}
	s.recordAudit(ctx, actorID, "TRANSFER_REJECT", transferID, nil)
	return StatusCancelled, nil
}

// Get loads one transfer with its items.
func (s *Service) Get(ctx context.Context, transferID int64) (Transfer, []Item, error) {
	return s.repo.GetTransfer(ctx, transferID)
}

// List returns transfers matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, int, error) {
	return s.repo.ListTransfers(ctx, filter)
}

// resolvePicks turns the operator's picked lines, or a fresh FEFO run,
// into per-good allocation lines covering every requested quantity.
func (s *Service) resolvePicks(ctx context.Context, tx TxRepository, fromLocationID int64, requested map[int64]float64, picked []PickInput) (map[int64][]allocation.Line, error) {
	plans := make(map[int64][]allocation.Line, len(requested))
	if len(picked) == 0 {
		for _, goodID := range sortedGoodIDs(requested) {
			batches, err := tx.Stock().ListBatchStock(ctx, fromLocationID, goodID)
			if err != nil {
				return nil, err
			}
			plan, err := allocation.Allocate(toAllocatorInput(batches), requested[goodID])
			if err != nil {
				return nil, err
			}
			if !plan.Satisfied() {
				return nil, &ShortfallError{GoodID: goodID, Requested: requested[goodID], Shortfall: plan.Shortfall}
			}
			plans[goodID] = plan.Lines
		}
		return plans, nil
	}

	covered := make(map[int64]float64, len(requested))
	for _, pick := range picked {
		if pick.GoodID == 0 || pick.BatchID == 0 || pick.Qty <= 0 {
			return nil, fmt.Errorf("%w: picked lines need good, batch and positive qty", ErrValidation)
		}
		if _, ok := requested[pick.GoodID]; !ok {
			return nil, fmt.Errorf("%w: good %d is not on the transfer", ErrValidation, pick.GoodID)
		}
		covered[pick.GoodID] += pick.Qty
		plans[pick.GoodID] = append(plans[pick.GoodID], allocation.Line{BatchID: pick.BatchID, Qty: pick.Qty})
	}
	for goodID, want := range requested {
		have := covered[goodID]
		if have < want-qtyEpsilon {
			return nil, &ShortfallError{GoodID: goodID, Requested: want, Shortfall: want - have}
		}
		if have > want+qtyEpsilon {
			return nil, fmt.Errorf("%w: good %d picked %.4f exceeds requested %.4f", ErrValidation, goodID, have, want)
		}
	}
	return plans, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, transferID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "transfer", EntityID: fmt.Sprintf("%d", transferID), Meta: meta})
}

func (s *Service) emitReceived(ctx context.Context, event *ReceivedEvent) {
	if event == nil || s.integration == nil {
		return
	}
	if err := s.integration.HandleTransferReceived(ctx, *event); err != nil && s.logger != nil {
		s.logger.Warn("transfer received hook failed", slog.Any("error", err), slog.String("number", event.Number))
	}
}

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range lines {
		if line.GoodID == 0 || line.Qty <= 0 {
			return fmt.Errorf("%w: every line needs a good and positive qty", ErrValidation)
		}
	}
	return nil
}

// selectQuantities resolves how much of each item this call moves,
// either the full remainder or the override, whichever is smaller.
func selectQuantities(items []Item, overrides []QtyOverride, remaining func(Item) float64) (map[int64]float64, error) {
	byID := make(map[int64]Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	selected := make(map[int64]float64, len(items))
	if len(overrides) == 0 {
		for _, item := range items {
			selected[item.ID] = remaining(item)
		}
		return selected, nil
	}
	for _, ov := range overrides {
		item, ok := byID[ov.ItemID]
		if !ok {
			return nil, fmt.Errorf("%w: item %d is not on the transfer", ErrValidation, ov.ItemID)
		}
		if ov.Qty <= 0 {
			return nil, fmt.Errorf("%w: item %d override must be positive", ErrValidation, ov.ItemID)
		}
		selected[item.ID] = math.Min(ov.Qty, remaining(item))
	}
	return selected, nil
}

func allShipped(items []Item) bool {
	for _, item := range items {
		if item.ShippedQty+qtyEpsilon < item.Qty {
			return false
		}
	}
	return true
}

func allReceived(items []Item) bool {
	for _, item := range items {
		if item.ReceivedQty+qtyEpsilon < item.Qty {
			return false
		}
	}
	return true
}

func requestedByGood(items []Item) map[int64]float64 {
	requested := make(map[int64]float64, len(items))
	for _, item := range items {
		requested[item.GoodID] += item.Qty
	}
	return requested
}

func sortedGoodIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func toAllocatorInput(batches []stock.BatchStock) []allocation.BatchStock {
	input := make([]allocation.BatchStock, 0, len(batches))
	for _, b := range batches {
		input = append(input, allocation.BatchStock{BatchID: b.BatchID, BatchNo: b.BatchNo, ExpiryDate: b.ExpiryDate, OnHand: b.OnHand})
	}
	return input
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
