package stock

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ReadRepositoryPort abstracts the read side used by Service.
type ReadRepositoryPort interface {
	GetAvailable(ctx context.Context, locationIDs []int64, goodID int64) (float64, error)
	ListAvailability(ctx context.Context, filter AvailabilityFilter) ([]BatchAvailability, error)
}

// LocationResolver expands a location into itself plus all descendant
// bins, so availability checks see the whole subtree.
type LocationResolver interface {
	DescendantIDs(ctx context.Context, locationID int64) ([]int64, error)
}

// Service answers availability queries. All mutation goes through the
// Ledger inside the transactions of the transfer and receiving
// workflows; this service is read-only by construction.
type Service struct {
	repo      ReadRepositoryPort
	locations LocationResolver
}

// NewService builds Service.
func NewService(repo ReadRepositoryPort, locations LocationResolver) *Service {
	return &Service{repo: repo, locations: locations}
}

// GetAvailable sums OnHand-Reserved for the good across the location
// subtree.
func (s *Service) GetAvailable(ctx context.Context, locationID, goodID int64) (float64, error) {
	if locationID == 0 || goodID == 0 {
		return 0, errors.New("stock: location and good required")
	}
	ids, err := s.locations.DescendantIDs(ctx, locationID)
	if err != nil {
		return 0, err
	}
	return s.repo.GetAvailable(ctx, ids, goodID)
}

// ListAvailability returns per-batch availability at the location
// subtree, filtered by good id or keyword.
func (s *Service) ListAvailability(ctx context.Context, locationID, goodID int64, keyword string) ([]BatchAvailability, error) {
	if locationID == 0 {
		return nil, errors.New("stock: location required")
	}
	if goodID == 0 && strings.TrimSpace(keyword) == "" {
		return nil, errors.New("stock: good or keyword required")
	}
	ids, err := s.locations.DescendantIDs(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAvailability(ctx, AvailabilityFilter{
		LocationIDs: ids,
		GoodID:      goodID,
		Keyword:     normalizeKeyword(keyword),
	})
}

// normalizeKeyword folds the search term so composed and decomposed
// unicode forms match the same catalog entries.
func normalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(keyword)))
}
