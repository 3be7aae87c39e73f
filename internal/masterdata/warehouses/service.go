package warehouses

import (
	"context"
	"log/slog"
)

// Service is the read-only warehouse directory plus hierarchy maintenance.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Get(ctx context.Context, id int64) (Warehouse, error) {
	if id <= 0 {
		return Warehouse{}, ErrInvalidID
	}
	return s.repo.Get(ctx, id)
}

// ByStore resolves a store to its warehouse.
func (s *Service) ByStore(ctx context.Context, storeID int64) (Warehouse, error) {
	if storeID <= 0 {
		return Warehouse{}, ErrInvalidID
	}
	return s.repo.ByStore(ctx, storeID)
}

func (s *Service) Master(ctx context.Context) (Warehouse, error) {
	return s.repo.Master(ctx)
}

func (s *Service) ListActiveStores(ctx context.Context) ([]Warehouse, error) {
	return s.repo.ListActiveStores(ctx)
}

// AssignParent sets or clears (parentID nil) the parent of a warehouse,
// rejecting assignments that would make the hierarchy cyclic.
func (s *Service) AssignParent(ctx context.Context, id int64, parentID *int64) (Warehouse, error) {
	if id <= 0 {
		return Warehouse{}, ErrInvalidID
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return Warehouse{}, err
	}
	if parentID != nil {
		if err := s.validateParent(ctx, id, *parentID); err != nil {
			return Warehouse{}, err
		}
	}
	if err := s.repo.UpdateParent(ctx, id, parentID); err != nil {
		return Warehouse{}, err
	}
	s.logger.Info("warehouse parent assigned", slog.Int64("warehouse_id", id), slog.Any("parent_id", parentID))
	return s.repo.Get(ctx, id)
}
