package goods

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
)

// Service owns good CRUD and keyword search.
type Service struct {
	repo Repository
}

// NewService constructs goods service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns goods matching the search term. The term is NFKC-folded
// so full-width SKU input matches ASCII-stored rows.
func (s *Service) List(ctx context.Context, search string, p shared.Pagination) ([]Good, int, error) {
	return s.repo.List(ctx, normalizeKeyword(search), p)
}

// Get loads one good.
func (s *Service) Get(ctx context.Context, id int64) (Good, error) {
	if id <= 0 {
		return Good{}, fmt.Errorf("%w: good id", httpx.ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

// Create persists a new good.
func (s *Service) Create(ctx context.Context, good Good) (Good, error) {
	if err := validate(good); err != nil {
		return Good{}, err
	}
	return s.repo.Create(ctx, good)
}

// Update rewrites a good.
func (s *Service) Update(ctx context.Context, id int64, good Good) error {
	if id <= 0 {
		return fmt.Errorf("%w: good id", httpx.ErrValidation)
	}
	if err := validate(good); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, good)
}

// Delete removes a good.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: good id", httpx.ErrValidation)
	}
	return s.repo.Delete(ctx, id)
}

func validate(good Good) error {
	if strings.TrimSpace(good.SKU) == "" {
		return fmt.Errorf("%w: sku is required", httpx.ErrValidation)
	}
	if strings.TrimSpace(good.Name) == "" {
		return fmt.Errorf("%w: name is required", httpx.ErrValidation)
	}
	if strings.TrimSpace(good.Unit) == "" {
		return fmt.Errorf("%w: unit is required", httpx.ErrValidation)
	}
	return nil
}

func normalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(keyword)))
}
