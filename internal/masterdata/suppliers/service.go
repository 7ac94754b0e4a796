package suppliers

import (
	"context"
	"fmt"
	"strings"

	"github.com/atlas-ims/atlas-ims/internal/platform/httpx"
	"github.com/atlas-ims/atlas-ims/internal/shared"
)

// Service owns supplier CRUD.
type Service struct {
	repo Repository
}

// NewService constructs suppliers service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, search string, p shared.Pagination) ([]Supplier, int, error) {
	return s.repo.List(ctx, strings.TrimSpace(search), p)
}

func (s *Service) Get(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, fmt.Errorf("%w: supplier id", httpx.ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, supplier Supplier) (Supplier, error) {
	if err := validate(supplier); err != nil {
		return Supplier{}, err
	}
	return s.repo.Create(ctx, supplier)
}

func (s *Service) Update(ctx context.Context, id int64, supplier Supplier) error {
	if id <= 0 {
		return fmt.Errorf("%w: supplier id", httpx.ErrValidation)
	}
	if err := validate(supplier); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, supplier)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: supplier id", httpx.ErrValidation)
	}
	return s.repo.Delete(ctx, id)
}

func validate(supplier Supplier) error {
	if strings.TrimSpace(supplier.Code) == "" {
		return fmt.Errorf("%w: code is required", httpx.ErrValidation)
	}
	if strings.TrimSpace(supplier.Name) == "" {
		return fmt.Errorf("%w: name is required", httpx.ErrValidation)
	}
	return nil
}
