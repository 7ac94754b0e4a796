package stock

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
)

// Handler wires HTTP endpoints for stock queries.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/availability", h.handleAvailability)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	locationID, err := strconv.ParseInt(q.Get("location_id"), 10, 64)
	if err != nil || locationID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "location_id is required")
		return
	}
	var goodID int64
	if raw := q.Get("good_id"); raw != "" {
		goodID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || goodID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "good_id must be a positive integer")
			return
		}
	}
	keyword := q.Get("keyword")
	if goodID == 0 && keyword == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "good_id or keyword is required")
		return
	}

	entries, err := h.service.ListAvailability(r.Context(), locationID, goodID, keyword)
	if err != nil {
		h.logger.Error("list availability", slog.Any("error", err), slog.Int64("location_id", locationID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": entries})
}
