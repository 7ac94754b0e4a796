package receiving

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// Handler wires HTTP endpoints for the receiving module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs receiving handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountPORoutes registers purchase order routes.
func (h *Handler) MountPORoutes(r chi.Router) {
	r.Post("/", h.handleCreatePO)
	r.Get("/", h.handleListPOs)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetPO)
		r.Post("/submit", h.handleSubmitPO)
		r.Post("/receipts", h.handleCreateReceipt)
	})
}

// MountReceiptRoutes registers receipt routes.
func (h *Handler) MountReceiptRoutes(r chi.Router) {
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetReceipt)
		r.Post("/confirm", h.handleConfirmReceipt)
		r.Post("/cancel", h.handleCancelReceipt)
	})
}

type poLineRequest struct {
	GoodID     int64   `json:"good_id" validate:"required,gt=0"`
	OrderedQty float64 `json:"ordered_qty" validate:"required,gt=0"`
	Price      float64 `json:"price" validate:"gte=0"`
}

type createPORequest struct {
	SupplierID int64           `json:"supplier_id" validate:"required,gt=0"`
	Note       string          `json:"note" validate:"max=500"`
	Lines      []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receiptItemRequest struct {
	GoodID     int64   `json:"good_id" validate:"required,gt=0"`
	BatchNo    string  `json:"batch_no" validate:"required,max=64"`
	ExpiryDate string  `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	Qty        float64 `json:"qty" validate:"required,gt=0"`
	Price      float64 `json:"price" validate:"gte=0"`
}

type createReceiptRequest struct {
	SupplierID int64                `json:"supplier_id" validate:"omitempty,gt=0"`
	LocationID int64                `json:"location_id" validate:"required,gt=0"`
	Note       string               `json:"note" validate:"max=500"`
	Items      []receiptItemRequest `json:"items" validate:"required,min=1,dive"`
}

type poLineResponse struct {
	ID          int64   `json:"id"`
	GoodID      int64   `json:"good_id"`
	OrderedQty  float64 `json:"ordered_qty"`
	ReceivedQty float64 `json:"received_qty"`
	Price       float64 `json:"price"`
}

type poResponse struct {
	ID         int64            `json:"id"`
	Number     string           `json:"number"`
	SupplierID int64            `json:"supplier_id"`
	Status     string           `json:"status"`
	Note       string           `json:"note,omitempty"`
	Lines      []poLineResponse `json:"lines,omitempty"`
}

type receiptDetailResponse struct {
	ID         int64   `json:"id"`
	GoodID     int64   `json:"good_id"`
	BatchID    int64   `json:"batch_id"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	LocationID int64   `json:"location_id"`
}

type receiptResponse struct {
	ID         int64                   `json:"id"`
	Number     string                  `json:"number"`
	POID       int64                   `json:"po_id"`
	SupplierID int64                   `json:"supplier_id"`
	Status     string                  `json:"status"`
	Note       string                  `json:"note,omitempty"`
	Details    []receiptDetailResponse `json:"details,omitempty"`
}

func (h *Handler) handleCreatePO(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]POLineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, POLineInput{GoodID: l.GoodID, OrderedQty: l.OrderedQty, Price: l.Price})
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), CreatePOInput{
		SupplierID: req.SupplierID,
		Note:       req.Note,
		ActorID:    shared.ActorFromContext(r.Context()),
		Lines:      lines,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po, nil))
}

func (h *Handler) handleListPOs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	supplierID, _ := strconv.ParseInt(q.Get("supplier_id"), 10, 64)
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	orders, total, err := h.service.ListPurchaseOrders(r.Context(), POStatus(q.Get("status")), supplierID, page, perPage)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]poResponse, 0, len(orders))
	for _, po := range orders {
		items = append(items, toPOResponse(po, nil))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) handleGetPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	po, lines, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po, lines))
}

func (h *Handler) handleSubmitPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.SubmitPurchaseOrder(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(POStatusSubmitted)})
}

func (h *Handler) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	poID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req createReceiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	items := make([]ReceiptItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		input := ReceiptItemInput{GoodID: item.GoodID, BatchNo: item.BatchNo, Qty: item.Qty, Price: item.Price}
		if item.ExpiryDate != "" {
			expiry, err := time.Parse("2006-01-02", item.ExpiryDate)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiry_date must be YYYY-MM-DD")
				return
			}
			input.ExpiryDate = &expiry
		}
		items = append(items, input)
	}
	receipt, err := h.service.CreateReceiptFromPO(r.Context(), CreateReceiptInput{
		POID:       poID,
		SupplierID: req.SupplierID,
		LocationID: req.LocationID,
		Note:       req.Note,
		ActorID:    shared.ActorFromContext(r.Context()),
		Items:      items,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReceiptResponse(receipt, nil))
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	receipt, details, err := h.service.GetReceipt(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReceiptResponse(receipt, details))
}

func (h *Handler) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.ConfirmReceipt(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(ReceiptStatusConfirmed)})
}

func (h *Handler) handleCancelReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelReceipt(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(ReceiptStatusCancelled)})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrExpiredBatch), errors.Is(err, ErrGoodNotOnOrder):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicateBatch),
		errors.Is(err, stock.ErrBatchConflict),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, stock.ErrConcurrencyConflict),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, stock.ErrInvalidQuantity):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error("receiving request failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toPOResponse(po PurchaseOrder, lines []POLine) poResponse {
	resp := poResponse{ID: po.ID, Number: po.Number, SupplierID: po.SupplierID, Status: string(po.Status), Note: po.Note}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, poLineResponse{ID: line.ID, GoodID: line.GoodID, OrderedQty: line.OrderedQty, ReceivedQty: line.ReceivedQty, Price: line.Price})
	}
	return resp
}

func toReceiptResponse(receipt Receipt, details []ReceiptDetail) receiptResponse {
	resp := receiptResponse{ID: receipt.ID, Number: receipt.Number, POID: receipt.POID, SupplierID: receipt.SupplierID, Status: string(receipt.Status), Note: receipt.Note}
	for _, detail := range details {
		resp.Details = append(resp.Details, receiptDetailResponse{ID: detail.ID, GoodID: detail.GoodID, BatchID: detail.BatchID, Qty: detail.Qty, Price: detail.Price, LocationID: detail.LocationID})
	}
	return resp
}
