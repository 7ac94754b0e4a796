package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-ims/atlas-ims/internal/shared"
)

// ExpiryScanJob reports batches that expire within the horizon while
// still holding stock. Warehouses are scanned concurrently; a finding
// is logged per batch and a summary audit row written per run.
type ExpiryScanJob struct {
	Pool   *pgxpool.Pool
	Audit  *shared.AuditLogger
	Logger *slog.Logger
	clock  func() time.Time
}

// NewExpiryScanJob initialises the expiry scan handler.
func NewExpiryScanJob(pool *pgxpool.Pool, audit *shared.AuditLogger, logger *slog.Logger) *ExpiryScanJob {
	return &ExpiryScanJob{Pool: pool, Audit: audit, Logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

type expiryFinding struct {
	LocationID int64
	GoodID     int64
	BatchID    int64
	BatchNo    string
	ExpiryDate time.Time
	OnHand     float64
}

// Handle executes the expiry scan.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("expiry scan: handler not configured")
	}
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.HorizonHours <= 0 {
		payload.HorizonHours = 720
	}
	now := j.now()
	cutoff := now.Add(time.Duration(payload.HorizonHours) * time.Hour)
	logger := j.logger().With(slog.Time("cutoff", cutoff))
	logger.Info("starting expiry scan")

	warehouses, err := j.warehouseIDs(ctx)
	if err != nil {
		logger.Error("expiry scan failed", slog.Any("error", err))
		return err
	}

	findings := make([][]expiryFinding, len(warehouses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, warehouseID := range warehouses {
		g.Go(func() error {
			rows, err := j.scanWarehouse(gctx, warehouseID, cutoff)
			if err != nil {
				return fmt.Errorf("warehouse %d: %w", warehouseID, err)
			}
			findings[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("expiry scan failed", slog.Any("error", err))
		return err
	}

	total := 0
	for _, rows := range findings {
		for _, f := range rows {
			total++
			logger.Warn("batch nearing expiry",
				slog.Int64("location_id", f.LocationID),
				slog.Int64("good_id", f.GoodID),
				slog.Int64("batch_id", f.BatchID),
				slog.String("batch_no", f.BatchNo),
				slog.Time("expiry_date", f.ExpiryDate),
				slog.Float64("on_hand", f.OnHand),
			)
		}
	}
	if j.Audit != nil {
		_ = j.Audit.Record(ctx, shared.AuditLog{
			Action:   "EXPIRY_SCAN",
			Entity:   "stock",
			EntityID: now.Format("2006-01-02T15:04:05Z"),
			Meta:     map[string]any{"warehouses": len(warehouses), "findings": total, "cutoff": cutoff.Format(time.RFC3339)},
		})
	}
	logger.Info("completed expiry scan", slog.Int("warehouses", len(warehouses)), slog.Int("findings", total), slog.Duration("duration", time.Since(now)))
	return nil
}

func (j *ExpiryScanJob) warehouseIDs(ctx context.Context) ([]int64, error) {
	rows, err := j.Pool.Query(ctx, `SELECT id FROM locations WHERE type='WAREHOUSE' AND active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanWarehouse covers the warehouse and every location beneath it.
func (j *ExpiryScanJob) scanWarehouse(ctx context.Context, warehouseID int64, cutoff time.Time) ([]expiryFinding, error) {
	rows, err := j.Pool.Query(ctx, `WITH RECURSIVE tree AS (
  SELECT id, ARRAY[id] AS path FROM locations WHERE id=$1
  UNION ALL
  SELECT l.id, tree.path || l.id FROM locations l
  JOIN tree ON l.parent_id = tree.id
  WHERE l.id <> ALL(tree.path)
)
SELECT s.location_id, s.good_id, b.id, b.batch_no, b.expiry_date, s.on_hand
FROM stocks s
JOIN batches b ON b.id = s.batch_id
WHERE s.location_id IN (SELECT id FROM tree)
  AND s.on_hand > 0
  AND b.expiry_date IS NOT NULL
  AND b.expiry_date <= $2
ORDER BY b.expiry_date ASC`, warehouseID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	findings := []expiryFinding{}
	for rows.Next() {
		var f expiryFinding
		if err := rows.Scan(&f.LocationID, &f.GoodID, &f.BatchID, &f.BatchNo, &f.ExpiryDate, &f.OnHand); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (j *ExpiryScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeExpiryScan))
	}
	return slog.Default().With(slog.String("job", TaskTypeExpiryScan))
}

func (j *ExpiryScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
