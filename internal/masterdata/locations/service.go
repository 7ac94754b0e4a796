package locations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
)

const treeVersionKey = "locations:tree:ver"

// Service owns location CRUD and the memoized descendant computation.
// Descendant sets are cached in Redis under a generation-stamped key;
// any structural change bumps the generation instead of enumerating
// stale keys, so invalidation is a single INCR.
type Service struct {
	repo     Repository
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewService constructs locations service.
func NewService(repo Repository, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// List returns locations matching the search term.
func (s *Service) List(ctx context.Context, search string, p shared.Pagination) ([]Location, int, error) {
	return s.repo.List(ctx, search, p)
}

// Get loads one location.
func (s *Service) Get(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, fmt.Errorf("%w: location id", httpx.ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

// Create persists a new location and invalidates the tree cache.
func (s *Service) Create(ctx context.Context, loc Location) (Location, error) {
	if err := s.validate(ctx, loc, 0); err != nil {
		return Location{}, err
	}
	created, err := s.repo.Create(ctx, loc)
	if err != nil {
		return Location{}, err
	}
	s.bumpTreeVersion(ctx)
	return created, nil
}

// Update rewrites a location. Moving a node under a new parent changes
// descendant sets, so the cache generation is bumped unconditionally.
func (s *Service) Update(ctx context.Context, id int64, loc Location) error {
	if id <= 0 {
		return fmt.Errorf("%w: location id", httpx.ErrValidation)
	}
	if err := s.validate(ctx, loc, id); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, id, loc); err != nil {
		return err
	}
	s.bumpTreeVersion(ctx)
	return nil
}

// Delete removes a location.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: location id", httpx.ErrValidation)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.bumpTreeVersion(ctx)
	return nil
}

// DescendantIDs returns the given location and every node beneath it.
// Availability queries resolve a warehouse to this set so bin-level
// stock counts toward its warehouse.
func (s *Service) DescendantIDs(ctx context.Context, rootID int64) ([]int64, error) {
	if rootID <= 0 {
		return nil, fmt.Errorf("%w: location id", httpx.ErrValidation)
	}
	key, err := s.treeKey(ctx, rootID)
	if err == nil && key != "" {
		if cached, err := s.cache.Get(ctx, key).Result(); err == nil {
			var ids []int64
			if err := json.Unmarshal([]byte(cached), &ids); err == nil {
				return ids, nil
			}
		}
	}

	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	children := make(map[int64][]int64, len(all))
	known := make(map[int64]bool, len(all))
	for _, loc := range all {
		known[loc.ID] = true
		if loc.ParentID != 0 {
			children[loc.ParentID] = append(children[loc.ParentID], loc.ID)
		}
	}
	if !known[rootID] {
		return nil, httpx.ErrNotFound
	}
	// The visited set keeps the walk terminating even if the stored
	// hierarchy contains a cycle.
	ids := []int64{}
	queue := []int64{rootID}
	visited := map[int64]bool{rootID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ids = append(ids, id)
		for _, child := range children[id] {
			if visited[child] {
				continue
			}
			visited[child] = true
			queue = append(queue, child)
		}
	}

	if key != "" {
		if payload, err := json.Marshal(ids); err == nil {
			if err := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil && s.logger != nil {
				s.logger.Warn("location tree cache write failed", slog.Any("error", err))
			}
		}
	}
	return ids, nil
}

func (s *Service) validate(ctx context.Context, loc Location, selfID int64) error {
	if loc.Code == "" {
		return fmt.Errorf("%w: code is required", httpx.ErrValidation)
	}
	if loc.Name == "" {
		return fmt.Errorf("%w: name is required", httpx.ErrValidation)
	}
	if !loc.Type.Valid() {
		return fmt.Errorf("%w: unknown location type %q", httpx.ErrValidation, loc.Type)
	}
	if loc.ParentID != 0 {
		if loc.ParentID == selfID {
			return fmt.Errorf("%w: location cannot parent itself", httpx.ErrValidation)
		}
		if _, err := s.repo.Get(ctx, loc.ParentID); err != nil {
			return fmt.Errorf("%w: parent location %d", httpx.ErrValidation, loc.ParentID)
		}
		if selfID != 0 {
			if err := s.ensureNotDescendant(ctx, loc.ParentID, selfID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureNotDescendant walks the ancestor chain of the proposed parent
// and rejects it when selfID appears there, which would close a cycle.
func (s *Service) ensureNotDescendant(ctx context.Context, parentID, selfID int64) error {
	seen := make(map[int64]bool)
	for id := parentID; id != 0 && !seen[id]; {
		if id == selfID {
			return fmt.Errorf("%w: location %d cannot move under its own descendant", httpx.ErrValidation, selfID)
		}
		seen[id] = true
		parent, err := s.repo.Get(ctx, id)
		if err != nil {
			break
		}
		id = parent.ParentID
	}
	return nil
}

func (s *Service) treeKey(ctx context.Context, rootID int64) (string, error) {
	if s.cache == nil {
		return "", nil
	}
	ver, err := s.cache.Get(ctx, treeVersionKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return fmt.Sprintf("locations:tree:v%d:%d", ver, rootID), nil
}

func (s *Service) bumpTreeVersion(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Incr(ctx, treeVersionKey).Err(); err != nil && s.logger != nil {
		s.logger.Warn("location tree version bump failed", slog.Any("error", err))
	}
}
