// Package matching selects the drivers a new transport request is broadcast
// to. There is no ranking beyond distance: whoever accepts first wins.
package matching

import (
	"context"
	"errors"
	"fmt"

	"transport-dispatch/geohash"
	"transport-dispatch/models"
)

var ErrNoDrivers = errors.New("no available drivers nearby")

// Presence is the read side of the presence store.
type Presence interface {
	Online(ctx context.Context, vt models.VehicleType) ([]models.DriverPresence, error)
	Nearby(ctx context.Context, vt models.VehicleType, lat, lng, radiusKm float64) ([]models.DriverPresence, error)
}

type Matcher struct {
	presence Presence
	radiusKm float64
	limit    int
}

type Option func(*Matcher)

// WithRadius restricts candidates to drivers within km of the pickup. Zero
// broadcasts to every online driver of the vehicle type.
func WithRadius(km float64) Option {
	return func(m *Matcher) { m.radiusKm = km }
}

// WithLimit caps the number of drivers offered a request, nearest first.
func WithLimit(n int) Option {
	return func(m *Matcher) { m.limit = n }
}

func NewMatcher(p Presence, opts ...Option) *Matcher {
	m := &Matcher{presence: p}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matcher) candidates(ctx context.Context, vt models.VehicleType, pickup models.Location) ([]models.DriverPresence, error) {
	if m.radiusKm > 0 {
		return m.presence.Nearby(ctx, vt, pickup.Lat, pickup.Lng, m.radiusKm)
	}
	return m.presence.Online(ctx, vt)
}

// EligibleDrivers returns the ids of online drivers of the vehicle type that
// should receive the request.
func (m *Matcher) EligibleDrivers(ctx context.Context, vt models.VehicleType, pickup models.Location) ([]string, error) {
	drivers, err := m.candidates(ctx, vt, pickup)
	if err != nil {
		return nil, fmt.Errorf("matching: %w", err)
	}
	if m.limit > 0 && len(drivers) > m.limit {
		drivers = drivers[:m.limit]
	}
	ids := make([]string, 0, len(drivers))
	for _, d := range drivers {
		ids = append(ids, d.DriverID)
	}
	return ids, nil
}

// FindNearestDriver returns the closest online driver with a known position
// and its distance from the pickup.
func (m *Matcher) FindNearestDriver(ctx context.Context, vt models.VehicleType, pickup models.Location) (models.DriverPresence, float64, error) {
	drivers, err := m.candidates(ctx, vt, pickup)
	if err != nil {
		return models.DriverPresence{}, 0, fmt.Errorf("matching: %w", err)
	}
	best, bestKm := -1, 0.0
	for i, d := range drivers {
		if d.Position == nil {
			continue
		}
		km := geohash.DistanceKm(pickup.Lat, pickup.Lng, d.Position.Lat, d.Position.Lng)
		if best < 0 || km < bestKm {
			best, bestKm = i, km
		}
	}
	if best < 0 {
		return models.DriverPresence{}, 0, ErrNoDrivers
	}
	return drivers[best], bestKm, nil
}
