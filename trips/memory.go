package trips

import (
	"context"
	"fmt"
	"sync"

	"transport-dispatch/models"
)

// MemoryStore is a Store for tests and single-process deployments. The CAS is
// a check and apply under one mutex.
type MemoryStore struct {
	mu    sync.Mutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (s *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[t.ID]; ok {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	s.trips[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, expected, next models.TripStatus, patch models.Patch) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	if t.Status != expected {
		return nil, models.ErrStatusMismatch
	}
	t.Apply(next, patch)
	return t.Clone(), nil
}
