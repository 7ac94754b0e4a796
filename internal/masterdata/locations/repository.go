package locations

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
)

// Repository persists locations.
type Repository interface {
	List(ctx context.Context, search string, p shared.Pagination) ([]Location, int, error)
	Get(ctx context.Context, id int64) (Location, error)
	Create(ctx context.Context, loc Location) (Location, error)
	Update(ctx context.Context, id int64, loc Location) error
	Delete(ctx context.Context, id int64) error
	ListAll(ctx context.Context) ([]Location, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) List(ctx context.Context, search string, p shared.Pagination) ([]Location, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM locations WHERE ($1::TEXT = '' OR code ILIKE '%'||$1||'%' OR name ILIKE '%'||$1||'%')`, search).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, COALESCE(parent_id, 0), code, name, type, active, created_at, updated_at
FROM locations WHERE ($1::TEXT = '' OR code ILIKE '%'||$1||'%' OR name ILIKE '%'||$1||'%')
ORDER BY code ASC LIMIT $2 OFFSET $3`, search, p.PerPage, p.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []Location{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, loc)
	}
	return result, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Location, error) {
	loc, err := scanLocation(r.pool.QueryRow(ctx, `SELECT id, COALESCE(parent_id, 0), code, name, type, active, created_at, updated_at
FROM locations WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, httpx.ErrNotFound
		}
		return Location{}, err
	}
	return loc, nil
}

func (r *repository) Create(ctx context.Context, loc Location) (Location, error) {
	var parentID any
	if loc.ParentID != 0 {
		parentID = loc.ParentID
	}
	err := r.pool.QueryRow(ctx, `INSERT INTO locations (parent_id, code, name, type, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		parentID, loc.Code, loc.Name, string(loc.Type), loc.Active).Scan(&loc.ID, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return Location{}, mapPgError(err)
	}
	return loc, nil
}

func (r *repository) Update(ctx context.Context, id int64, loc Location) error {
	var parentID any
	if loc.ParentID != 0 {
		parentID = loc.ParentID
	}
	tag, err := r.pool.Exec(ctx, `UPDATE locations SET parent_id=$2, code=$3, name=$4, type=$5, active=$6, updated_at=NOW() WHERE id=$1`,
		id, parentID, loc.Code, loc.Name, string(loc.Type), loc.Active)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM locations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// ListAll loads the whole tree; descendant resolution walks it in
// memory.
func (r *repository) ListAll(ctx context.Context) ([]Location, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, COALESCE(parent_id, 0), code, name, type, active, created_at, updated_at FROM locations ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Location{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, loc)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (Location, error) {
	var loc Location
	var typ string
	if err := row.Scan(&loc.ID, &loc.ParentID, &loc.Code, &loc.Name, &typ, &loc.Active, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
		return Location{}, err
	}
	loc.Type = LocationType(typ)
	return loc, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return httpx.ErrDuplicate
	}
	return err
}
