package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// compensationRepository implements domain.CompensationRepository in process memory
type compensationRepository struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.Compensation
}

// NewCompensationRepository creates a new in-memory compensation queue
func NewCompensationRepository() domain.CompensationRepository {
	return &compensationRepository{items: make(map[uuid.UUID]*domain.Compensation)}
}

// Enqueue stores a compensation once per (intent, kind)
func (r *compensationRepository) Enqueue(ctx context.Context, c *domain.Compensation) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.IntentID == c.IntentID && existing.Kind == c.Kind {
			return false, nil
		}
	}

	stored := *c
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.Status == "" {
		stored.Status = domain.CompensationStatusQueued
	}
	r.items[stored.ID] = &stored
	return true, nil
}

// ListQueued returns up to limit queued compensations, oldest first
func (r *compensationRepository) ListQueued(ctx context.Context, limit int) ([]*domain.Compensation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.Compensation, 0)
	for _, c := range r.items {
		if c.Status == domain.CompensationStatusQueued {
			copied := *c
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkDispatched flags a compensation as handed to operations
func (r *compensationRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.items[id]
	if !ok {
		return domain.ErrCompensationNotFound
	}
	c.Status = domain.CompensationStatusDispatched
	dispatchedAt := at
	c.DispatchedAt = &dispatchedAt
	return nil
}

// CountQueued returns the number of compensations not yet dispatched
func (r *compensationRepository) CountQueued(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, c := range r.items {
		if c.Status == domain.CompensationStatusQueued {
			count++
		}
	}
	return count, nil
}
