package locations

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
)

type memoryRepo struct {
	locations map[int64]Location
	nextID    int64
	listCalls int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{locations: make(map[int64]Location)}
}

func (r *memoryRepo) add(parentID int64, code string, typ LocationType) Location {
	r.nextID++
	loc := Location{ID: r.nextID, ParentID: parentID, Code: code, Name: code, Type: typ, Active: true}
	r.locations[loc.ID] = loc
	return loc
}

func (r *memoryRepo) List(ctx context.Context, search string, p shared.Pagination) ([]Location, int, error) {
	result := []Location{}
	for _, loc := range r.locations {
		result = append(result, loc)
	}
	return result, len(result), nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Location, error) {
	loc, ok := r.locations[id]
	if !ok {
		return Location{}, httpx.ErrNotFound
	}
	return loc, nil
}

func (r *memoryRepo) Create(ctx context.Context, loc Location) (Location, error) {
	r.nextID++
	loc.ID = r.nextID
	r.locations[loc.ID] = loc
	return loc, nil
}

func (r *memoryRepo) Update(ctx context.Context, id int64, loc Location) error {
	if _, ok := r.locations[id]; !ok {
		return httpx.ErrNotFound
	}
	loc.ID = id
	r.locations[id] = loc
	return nil
}

func (r *memoryRepo) Delete(ctx context.Context, id int64) error {
	if _, ok := r.locations[id]; !ok {
		return httpx.ErrNotFound
	}
	delete(r.locations, id)
	return nil
}

func (r *memoryRepo) ListAll(ctx context.Context) ([]Location, error) {
	r.listCalls++
	result := []Location{}
	for _, loc := range r.locations {
		result = append(result, loc)
	}
	return result, nil
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })
	return NewService(repo, cache, time.Minute, slog.Default())
}

func TestDescendantIDs(t *testing.T) {
	repo := newMemoryRepo()
	wh := repo.add(0, "WH", TypeWarehouse)
	binA := repo.add(wh.ID, "BIN-A", TypeBin)
	repo.add(binA.ID, "BIN-A-1", TypeBin)
	repo.add(wh.ID, "BIN-B", TypeBin)
	other := repo.add(0, "ST", TypeStore)

	svc := newTestService(t, repo)
	ctx := context.Background()

	ids, err := svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.Len(t, ids, 4)
	require.Equal(t, wh.ID, ids[0])
	require.NotContains(t, ids, other.ID)

	ids, err = svc.DescendantIDs(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{other.ID}, ids)

	_, err = svc.DescendantIDs(ctx, 999)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestDescendantIDsCached(t *testing.T) {
	repo := newMemoryRepo()
	wh := repo.add(0, "WH", TypeWarehouse)
	repo.add(wh.ID, "BIN-A", TypeBin)

	svc := newTestService(t, repo)
	ctx := context.Background()

	first, err := svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.Equal(t, 1, repo.listCalls)

	second, err := svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, repo.listCalls, "second call should be served from cache")
}

func TestTreeCacheInvalidatedOnChange(t *testing.T) {
	repo := newMemoryRepo()
	wh := repo.add(0, "WH", TypeWarehouse)

	svc := newTestService(t, repo)
	ctx := context.Background()

	ids, err := svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	created, err := svc.Create(ctx, Location{ParentID: wh.ID, Code: "BIN-NEW", Name: "New Bin", Type: TypeBin, Active: true})
	require.NoError(t, err)

	ids, err = svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, created.ID)

	require.NoError(t, svc.Delete(ctx, created.ID))
	ids, err = svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestUpdateRejectsReparentUnderDescendant(t *testing.T) {
	repo := newMemoryRepo()
	wh := repo.add(0, "WH", TypeWarehouse)
	bin := repo.add(wh.ID, "BIN-A", TypeBin)
	sub := repo.add(bin.ID, "BIN-A-1", TypeBin)
	svc := newTestService(t, repo)
	ctx := context.Background()

	err := svc.Update(ctx, wh.ID, Location{Code: "WH", Name: "WH", Type: TypeWarehouse, ParentID: sub.ID})
	require.ErrorIs(t, err, httpx.ErrValidation)

	err = svc.Update(ctx, wh.ID, Location{Code: "WH", Name: "WH", Type: TypeWarehouse, ParentID: bin.ID})
	require.ErrorIs(t, err, httpx.ErrValidation)

	// Siblings are fine, only the node's own subtree is off limits.
	err = svc.Update(ctx, bin.ID, Location{Code: "BIN-A", Name: "BIN-A", Type: TypeBin, ParentID: wh.ID})
	require.NoError(t, err)
}

func TestDescendantIDsTerminatesOnCorruptHierarchy(t *testing.T) {
	repo := newMemoryRepo()
	wh := repo.add(0, "WH", TypeWarehouse)
	bin := repo.add(wh.ID, "BIN-A", TypeBin)
	svc := newTestService(t, repo)
	ctx := context.Background()

	// A cycle written behind the service's back must degrade, not hang.
	loc := repo.locations[wh.ID]
	loc.ParentID = bin.ID
	repo.locations[wh.ID] = loc

	ids, err := svc.DescendantIDs(ctx, wh.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{wh.ID, bin.ID}, ids)
}

func TestValidateRejectsBadInput(t *testing.T) {
	repo := newMemoryRepo()
	wh := repo.add(0, "WH", TypeWarehouse)
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Create(ctx, Location{Name: "No Code", Type: TypeBin})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, Location{Code: "X", Name: "Bad Type", Type: "SHELF"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, Location{Code: "X", Name: "Orphan", Type: TypeBin, ParentID: 999})
	require.ErrorIs(t, err, httpx.ErrValidation)

	err = svc.Update(ctx, wh.ID, Location{Code: "WH", Name: "Self Parent", Type: TypeWarehouse, ParentID: wh.ID})
	require.ErrorIs(t, err, httpx.ErrValidation)
}
