package models

import (
	"errors"
	"time"
)

var (
	ErrDriverNotFound = errors.New("driver presence not found")
	ErrDriverOffline  = errors.New("driver is offline")
)

type Position struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Speed      float64   `json:"speed,omitempty"`   // m/s
	Heading    float64   `json:"heading,omitempty"` // degrees from north
	RecordedAt time.Time `json:"recorded_at"`
}

func (p Position) Valid() bool {
	return Location{Lat: p.Lat, Lng: p.Lng}.Valid()
}

// DriverPresence is a driver's availability and last known position.
type DriverPresence struct {
	DriverID    string      `json:"driver_id"`
	VehicleType VehicleType `json:"vehicle_type"`
	Online      bool        `json:"online"`
	Position    *Position   `json:"position,omitempty"`
	Geohash     string      `json:"geohash,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
