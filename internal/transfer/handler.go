package transfer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// Handler wires HTTP endpoints for the transfer module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Post("/submit", h.handleSubmit)
		r.Post("/ship", h.handleShip)
		r.Post("/receive", h.handleReceive)
		r.Post("/accept", h.handleAccept)
		r.Post("/reject", h.handleReject)
		r.Get("/proposal", h.handleProposal)
	})
}

type lineRequest struct {
	GoodID  int64   `json:"good_id" validate:"required,gt=0"`
	BatchID int64   `json:"batch_id" validate:"gte=0"`
	Qty     float64 `json:"qty" validate:"required,gt=0"`
}

type createRequest struct {
	FromLocationID int64         `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID   int64         `json:"to_location_id" validate:"required,gt=0"`
	Flow           string        `json:"flow" validate:"omitempty,oneof=DIRECT STAGED"`
	Note           string        `json:"note" validate:"max=500"`
	Lines          []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type updateRequest struct {
	Lines []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type overrideRequest struct {
	ItemID int64   `json:"item_id" validate:"required,gt=0"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type moveRequest struct {
	Items []overrideRequest `json:"items" validate:"omitempty,dive"`
}

type pickRequest struct {
	GoodID  int64   `json:"good_id" validate:"required,gt=0"`
	BatchID int64   `json:"batch_id" validate:"required,gt=0"`
	Qty     float64 `json:"qty" validate:"required,gt=0"`
}

type acceptRequest struct {
	Picked []pickRequest `json:"picked" validate:"omitempty,dive"`
}

type itemResponse struct {
	ID          int64   `json:"id"`
	GoodID      int64   `json:"good_id"`
	BatchID     int64   `json:"batch_id,omitempty"`
	Qty         float64 `json:"qty"`
	ShippedQty  float64 `json:"shipped_qty"`
	ReceivedQty float64 `json:"received_qty"`
}

type transferResponse struct {
	ID             int64          `json:"id"`
	Number         string         `json:"number"`
	FromLocationID int64          `json:"from_location_id"`
	ToLocationID   int64          `json:"to_location_id"`
	Flow           string         `json:"flow"`
	Status         string         `json:"status"`
	Note           string         `json:"note,omitempty"`
	CreatedBy      int64          `json:"created_by"`
	Items          []itemResponse `json:"items,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, LineInput{GoodID: l.GoodID, BatchID: l.BatchID, Qty: l.Qty})
	}
	t, err := h.service.Create(r.Context(), CreateInput{
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Flow:           FlowType(req.Flow),
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
		Lines:          lines,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransferResponse(t, nil))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	filter.FromLocationID, _ = strconv.ParseInt(q.Get("from_location_id"), 10, 64)
	filter.ToLocationID, _ = strconv.ParseInt(q.Get("to_location_id"), 10, 64)
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	transfers, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		items = append(items, toTransferResponse(t, nil))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}
	t, items, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(t, items))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, LineInput{GoodID: l.GoodID, BatchID: l.BatchID, Qty: l.Qty})
	}
	if err := h.service.Update(r.Context(), id, shared.ActorFromContext(r.Context()), lines); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actor int64) (Status, error) {
		return h.service.Submit(r.Context(), id, actor)
	})
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	overrides, ok := h.decodeOverrides(w, r)
	if !ok {
		return
	}
	h.transition(w, r, func(id, actor int64) (Status, error) {
		return h.service.Ship(r.Context(), id, actor, overrides)
	})
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	overrides, ok := h.decodeOverrides(w, r)
	if !ok {
		return
	}
	h.transition(w, r, func(id, actor int64) (Status, error) {
		return h.service.Receive(r.Context(), id, actor, overrides)
	})
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
	}
	picked := make([]PickInput, 0, len(req.Picked))
	for _, p := range req.Picked {
		picked = append(picked, PickInput{GoodID: p.GoodID, BatchID: p.BatchID, Qty: p.Qty})
	}
	h.transition(w, r, func(id, actor int64) (Status, error) {
		return h.service.Accept(r.Context(), id, actor, picked)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id, actor int64) (Status, error) {
		return h.service.Reject(r.Context(), id, actor)
	})
}

func (h *Handler) handleProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}
	plans, err := h.service.ProposePick(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"goods": plans})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(id, actor int64) (Status, error)) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}
	status, err := fn(id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(status)})
}

func (h *Handler) decodeOverrides(w http.ResponseWriter, r *http.Request) ([]QtyOverride, bool) {
	if r.ContentLength == 0 {
		return nil, true
	}
	var req moveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return nil, false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return nil, false
	}
	overrides := make([]QtyOverride, 0, len(req.Items))
	for _, item := range req.Items {
		overrides = append(overrides, QtyOverride{ItemID: item.ItemID, Qty: item.Qty})
	}
	return overrides, true
}

func (h *Handler) transferID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transfer id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var shortfall *ShortfallError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrBatchRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, stock.ErrConcurrencyConflict),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &shortfall),
		errors.Is(err, stock.ErrInsufficientStock),
		errors.Is(err, stock.ErrInsufficientInTransit),
		errors.Is(err, stock.ErrInvalidQuantity):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error("transfer request failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toTransferResponse(t Transfer, items []Item) transferResponse {
	resp := transferResponse{
		ID:             t.ID,
		Number:         t.Number,
		FromLocationID: t.FromLocationID,
		ToLocationID:   t.ToLocationID,
		Flow:           string(t.Flow),
		Status:         string(t.Status),
		Note:           t.Note,
		CreatedBy:      t.CreatedBy,
	}
	for _, item := range items {
		resp.Items = append(resp.Items, itemResponse{
			ID:          item.ID,
			GoodID:      item.GoodID,
			BatchID:     item.Batch.Key(),
			Qty:         item.Qty,
			ShippedQty:  item.ShippedQty,
			ReceivedQty: item.ReceivedQty,
		})
	}
	return resp
}
