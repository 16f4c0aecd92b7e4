// Package presence keeps the server-side view of which drivers are online,
// with what vehicle and where.
//
// A driver that has not reported within the staleness window is treated as
// absent, so a driver whose client vanished without a clean disconnect stops
// being eligible for broadcasts.
package presence

import (
	"context"
	"time"

	"transport-dispatch/models"
)

const DefaultStaleAfter = 2 * time.Minute

type Store interface {
	// Upsert records a presence. Online entries need a vehicle type.
	Upsert(ctx context.Context, p models.DriverPresence) error
	SetOffline(ctx context.Context, driverID string) error
	// UpdatePosition moves an online driver. It returns models.ErrDriverNotFound
	// or models.ErrDriverOffline when the driver is not online.
	UpdatePosition(ctx context.Context, driverID string, pos models.Position) (models.DriverPresence, error)
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
	// Online lists online drivers of the vehicle type.
	Online(ctx context.Context, vt models.VehicleType) ([]models.DriverPresence, error)
	// Nearby lists online drivers of the vehicle type with a known position
	// within radiusKm, nearest first.
	Nearby(ctx context.Context, vt models.VehicleType, lat, lng, radiusKm float64) ([]models.DriverPresence, error)
}
