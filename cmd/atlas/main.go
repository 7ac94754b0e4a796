package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ims/atlas-ims/internal/app"
	"github.com/atlas-ims/atlas-ims/internal/masterdata/goods"
	"github.com/atlas-ims/atlas-ims/internal/masterdata/locations"
	"github.com/atlas-ims/atlas-ims/internal/masterdata/suppliers"
	"github.com/atlas-ims/atlas-ims/internal/platform/cache"
	"github.com/atlas-ims/atlas-ims/internal/receiving"
	"github.com/atlas-ims/atlas-ims/internal/shared"
	"github.com/atlas-ims/atlas-ims/internal/stock"
	"github.com/atlas-ims/atlas-ims/internal/transfer"
	"github.com/atlas-ims/atlas-ims/jobs"
)

// transferHooks bridges completed transfers onto the job queue.
type transferHooks struct {
	client *jobs.Client
}

func (h transferHooks) HandleTransferReceived(ctx context.Context, evt transfer.ReceivedEvent) error {
	if h.client == nil {
		return nil
	}
	_, err := h.client.EnqueueTransferReceived(ctx, jobs.TransferReceivedPayload{
		TransferID:     evt.TransferID,
		Number:         evt.Number,
		FromLocationID: evt.FromLocationID,
		ToLocationID:   evt.ToLocationID,
		Flow:           string(evt.Flow),
		ReceivedBy:     evt.ReceivedBy,
		ReceivedAt:     evt.ReceivedAt,
	})
	return err
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("asynq client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	locationRepo := locations.NewRepository(dbpool)
	locationService := locations.NewService(locationRepo, redisClient, cfg.LocationCacheTTL, logger)
	locationHandler := locations.NewHandler(logger, locationService)

	goodRepo := goods.NewRepository(dbpool)
	goodService := goods.NewService(goodRepo)
	goodHandler := goods.NewHandler(logger, goodService)

	supplierRepo := suppliers.NewRepository(dbpool)
	supplierService := suppliers.NewService(supplierRepo)
	supplierHandler := suppliers.NewHandler(logger, supplierService)

	stockRepo := stock.NewRepository(dbpool)
	stockService := stock.NewService(stockRepo, locationService)
	stockHandler := stock.NewHandler(logger, stockService)
	ledger := stock.NewLedger(logger)

	transferRepo := transfer.NewRepository(dbpool)
	transferService := transfer.NewService(transferRepo, ledger, auditLogger, idempotencyStore, transferHooks{client: jobClient}, logger)
	transferHandler := transfer.NewHandler(logger, transferService)

	receivingRepo := receiving.NewRepository(dbpool)
	receivingService := receiving.NewService(receivingRepo, ledger, auditLogger, idempotencyStore, logger)
	receivingHandler := receiving.NewHandler(logger, receivingService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		StockHandler:     stockHandler,
		TransferHandler:  transferHandler,
		ReceivingHandler: receivingHandler,
		LocationHandler:  locationHandler,
		GoodHandler:      goodHandler,
		SupplierHandler:  supplierHandler,
		JobHandler:       jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
