package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/atlas-ims/atlas-ims/internal/masterdata/goods"
	"github.com/atlas-ims/atlas-ims/internal/masterdata/locations"
	"github.com/atlas-ims/atlas-ims/internal/masterdata/suppliers"
	"github.com/atlas-ims/atlas-ims/internal/receiving"
	"github.com/atlas-ims/atlas-ims/internal/stock"
	"github.com/atlas-ims/atlas-ims/internal/transfer"
	"github.com/atlas-ims/atlas-ims/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	StockHandler     *stock.Handler
	TransferHandler  *transfer.Handler
	ReceivingHandler *receiving.Handler
	LocationHandler  *locations.Handler
	GoodHandler      *goods.Handler
	SupplierHandler  *suppliers.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with Atlas defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		if params.StockHandler != nil {
			r.Route("/stock", params.StockHandler.MountRoutes)
		}
		if params.TransferHandler != nil {
			r.Route("/transfers", params.TransferHandler.MountRoutes)
		}
		if params.ReceivingHandler != nil {
			r.Route("/purchase-orders", params.ReceivingHandler.MountPORoutes)
			r.Route("/receipts", params.ReceivingHandler.MountReceiptRoutes)
		}
		if params.LocationHandler != nil {
			r.Route("/locations", params.LocationHandler.MountRoutes)
		}
		if params.GoodHandler != nil {
			r.Route("/goods", params.GoodHandler.MountRoutes)
		}
		if params.SupplierHandler != nil {
			r.Route("/suppliers", params.SupplierHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
