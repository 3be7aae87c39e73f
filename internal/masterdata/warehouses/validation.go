package warehouses

import "context"

// validateParent walks the ancestors of parentID; meeting id on the way means
// the assignment closes a loop.
func (s *Service) validateParent(ctx context.Context, id, parentID int64) error {
	if parentID <= 0 {
		return ErrInvalidID
	}
	if parentID == id {
		return ErrCyclicHierarchy
	}
	seen := map[int64]struct{}{id: {}}
	current := parentID
	for {
		if _, ok := seen[current]; ok {
			return ErrCyclicHierarchy
		}
		seen[current] = struct{}{}
		w, err := s.repo.Get(ctx, current)
		if err != nil {
			return err
		}
		if w.ParentID == nil {
			return nil
		}
		current = *w.ParentID
	}
}
