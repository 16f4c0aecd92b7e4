package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"transport-dispatch/geohash"
	"transport-dispatch/models"
)

// MemoryStore is a single-process Store backed by maps and an R-tree.
type MemoryStore struct {
	mu         sync.RWMutex
	drivers    map[string]models.DriverPresence
	index      *geohash.Index
	staleAfter time.Duration
	now        func() time.Time
}

func NewMemoryStore(staleAfter time.Duration) *MemoryStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &MemoryStore{
		drivers:    make(map[string]models.DriverPresence),
		index:      geohash.NewIndex(),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, p models.DriverPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(p)
	return nil
}

func (s *MemoryStore) putLocked(p models.DriverPresence) {
	p.UpdatedAt = s.now()
	p.Geohash = ""
	if p.Position != nil {
		pos := *p.Position
		p.Position = &pos
		p.Geohash = geohash.Cell(pos.Lat, pos.Lng)
	}
	s.drivers[p.DriverID] = p
	if p.Online && p.Position != nil {
		s.index.Upsert(p.DriverID, p.Position.Lat, p.Position.Lng)
	} else {
		s.index.Remove(p.DriverID)
	}
}

func (s *MemoryStore) SetOffline(_ context.Context, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.drivers[driverID]
	if !ok {
		p = models.DriverPresence{DriverID: driverID}
	}
	p.Online = false
	s.putLocked(p)
	return nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, driverID string, pos models.Position) (models.DriverPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.freshLocked(driverID)
	if !ok {
		return models.DriverPresence{}, models.ErrDriverNotFound
	}
	if !p.Online {
		return models.DriverPresence{}, models.ErrDriverOffline
	}
	p.Position = &pos
	s.putLocked(p)
	return s.drivers[driverID], nil
}

func (s *MemoryStore) Get(_ context.Context, driverID string) (models.DriverPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.freshLocked(driverID)
	if !ok {
		return models.DriverPresence{}, models.ErrDriverNotFound
	}
	return p, nil
}

// freshLocked drops the entry if it went stale.
func (s *MemoryStore) freshLocked(driverID string) (models.DriverPresence, bool) {
	p, ok := s.drivers[driverID]
	if !ok {
		return p, false
	}
	if s.isStale(p) {
		delete(s.drivers, driverID)
		s.index.Remove(driverID)
		return models.DriverPresence{}, false
	}
	return p, true
}

func (s *MemoryStore) isStale(p models.DriverPresence) bool {
	return s.now().Sub(p.UpdatedAt) > s.staleAfter
}

func (s *MemoryStore) eligible(p models.DriverPresence, vt models.VehicleType) bool {
	return p.Online && p.VehicleType == vt && !s.isStale(p)
}

func (s *MemoryStore) Online(_ context.Context, vt models.VehicleType) ([]models.DriverPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DriverPresence
	for _, p := range s.drivers {
		if s.eligible(p, vt) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (s *MemoryStore) Nearby(_ context.Context, vt models.VehicleType, lat, lng, radiusKm float64) ([]models.DriverPresence, error) {
	hits := s.index.Within(lat, lng, radiusKm)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(hits))
	for _, h := range hits {
		if p, ok := s.drivers[h.ID]; ok && s.eligible(p, vt) {
			out = append(out, p)
		}
	}
	return out, nil
}
