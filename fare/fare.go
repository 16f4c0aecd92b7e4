// Package fare estimates distance, duration and price for a trip from a
// per-vehicle rate card.
package fare

import (
	"context"
	"errors"
	"fmt"
	"math"

	"transport-dispatch/geohash"
	"transport-dispatch/models"
)

var (
	ErrUnknownVehicle  = errors.New("no rate for vehicle type")
	ErrInvalidLocation = errors.New("invalid coordinates")
)

// Rate is priced in ZMW.
type Rate struct {
	Base   float64 `mapstructure:"base" json:"base"`
	PerKm  float64 `mapstructure:"per_km" json:"per_km"`
	PerMin float64 `mapstructure:"per_min" json:"per_min"`
}

type RateCard struct {
	Rates map[models.VehicleType]Rate
	// RoadFactor scales straight-line distance to an approximate road distance.
	RoadFactor  float64
	AvgSpeedKmh float64
	MinimumZmw  float64
}

func DefaultRateCard() RateCard {
	return RateCard{
		Rates: map[models.VehicleType]Rate{
			models.VehicleBike:  {Base: 10, PerKm: 5, PerMin: 0.5},
			models.VehicleCar:   {Base: 20, PerKm: 8, PerMin: 1},
			models.VehicleVan:   {Base: 40, PerKm: 12, PerMin: 1.5},
			models.VehicleTruck: {Base: 80, PerKm: 20, PerMin: 2},
		},
		RoadFactor:  1.3,
		AvgSpeedKmh: 30,
		MinimumZmw:  15,
	}
}

// Estimate prices a trip between two points.
func (c RateCard) Estimate(_ context.Context, pickup, dropoff models.Location, vt models.VehicleType) (models.Estimate, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return models.Estimate{}, ErrInvalidLocation
	}
	rate, ok := c.Rates[vt]
	if !ok {
		return models.Estimate{}, fmt.Errorf("%w: %q", ErrUnknownVehicle, vt)
	}
	factor := c.RoadFactor
	if factor < 1 {
		factor = 1
	}
	speed := c.AvgSpeedKmh
	if speed <= 0 {
		speed = 30
	}

	distance := geohash.DistanceKm(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng) * factor
	duration := math.Max(distance/speed*60, 1)
	price := rate.Base + distance*rate.PerKm + duration*rate.PerMin
	price = math.Max(price, c.MinimumZmw)

	return models.Estimate{
		DistanceKm:  round(distance, 2),
		DurationMin: round(duration, 1),
		PriceZmw:    round(price, 2),
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
