package goods

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
)

// Repository persists goods.
type Repository interface {
	List(ctx context.Context, search string, p shared.Pagination) ([]Good, int, error)
	Get(ctx context.Context, id int64) (Good, error)
	Create(ctx context.Context, good Good) (Good, error)
	Update(ctx context.Context, id int64, good Good) error
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) List(ctx context.Context, search string, p shared.Pagination) ([]Good, int, error) {
	where := ` WHERE ($1::TEXT = '' OR sku ILIKE '%'||$1||'%' OR name ILIKE '%'||$1||'%')`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM goods`+where, search).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, unit, perishable, active, created_at, updated_at
FROM goods`+where+` ORDER BY sku ASC LIMIT $2 OFFSET $3`, search, p.PerPage, p.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []Good{}
	for rows.Next() {
		var g Good
		if err := rows.Scan(&g.ID, &g.SKU, &g.Name, &g.Unit, &g.Perishable, &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, 0, err
		}
		result = append(result, g)
	}
	return result, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Good, error) {
	var g Good
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, unit, perishable, active, created_at, updated_at FROM goods WHERE id=$1`, id).
		Scan(&g.ID, &g.SKU, &g.Name, &g.Unit, &g.Perishable, &g.Active, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Good{}, httpx.ErrNotFound
		}
		return Good{}, err
	}
	return g, nil
}

func (r *repository) Create(ctx context.Context, good Good) (Good, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO goods (sku, name, unit, perishable, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		good.SKU, good.Name, good.Unit, good.Perishable, good.Active).Scan(&good.ID, &good.CreatedAt, &good.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Good{}, httpx.ErrDuplicate
		}
		return Good{}, err
	}
	return good, nil
}

func (r *repository) Update(ctx context.Context, id int64, good Good) error {
	tag, err := r.pool.Exec(ctx, `UPDATE goods SET sku=$2, name=$3, unit=$4, perishable=$5, active=$6, updated_at=NOW() WHERE id=$1`,
		id, good.SKU, good.Name, good.Unit, good.Perishable, good.Active)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return httpx.ErrDuplicate
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM goods WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}
