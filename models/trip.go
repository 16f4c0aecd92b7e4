package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTripNotFound   = errors.New("trip not found")
	ErrStatusMismatch = errors.New("trip status does not match expected status")
)

type TripStatus string

const (
	StatusRequested      TripStatus = "REQUESTED"
	StatusDriverAssigned TripStatus = "DRIVER_ASSIGNED"
	StatusDriverArriving TripStatus = "DRIVER_ARRIVING"
	StatusInProgress     TripStatus = "IN_PROGRESS"
	StatusCompleted      TripStatus = "COMPLETED"
	StatusCancelled      TripStatus = "CANCELLED"
)

var successors = map[TripStatus]TripStatus{
	StatusRequested:      StatusDriverAssigned,
	StatusDriverAssigned: StatusDriverArriving,
	StatusDriverArriving: StatusInProgress,
	StatusInProgress:     StatusCompleted,
}

// Next returns the unique forward successor of s. Terminal statuses have none.
func (s TripStatus) Next() (TripStatus, bool) {
	next, ok := successors[s]
	return next, ok
}

func (s TripStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasDriver reports whether a trip in status s must carry an assigned driver.
func (s TripStatus) HasDriver() bool {
	switch s {
	case StatusDriverAssigned, StatusDriverArriving, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s TripStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusDriverAssigned, StatusDriverArriving,
		StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func ParseTripStatus(raw string) (TripStatus, error) {
	s := TripStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown trip status %q", raw)
	}
	return s, nil
}

type VehicleType string

const (
	VehicleBike  VehicleType = "BIKE"
	VehicleCar   VehicleType = "CAR"
	VehicleVan   VehicleType = "VAN"
	VehicleTruck VehicleType = "TRUCK"
)

var VehicleTypes = []VehicleType{VehicleBike, VehicleCar, VehicleVan, VehicleTruck}

func (v VehicleType) Valid() bool {
	for _, known := range VehicleTypes {
		if v == known {
			return true
		}
	}
	return false
}

func ParseVehicleType(raw string) (VehicleType, error) {
	v := VehicleType(strings.ToUpper(strings.TrimSpace(raw)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown vehicle type %q", raw)
	}
	return v, nil
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

type Estimate struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	PriceZmw    float64 `json:"price_zmw"`
}

type Trip struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	Pickup           Location    `json:"pickup"`
	Dropoff          Location    `json:"dropoff"`
	VehicleType      VehicleType `json:"vehicle_type"`
	DistanceKm       float64     `json:"distance_km"`
	DurationMin      float64     `json:"duration_min"`
	PriceEstimateZmw float64     `json:"price_estimate_zmw"`
	LockedPriceZmw   *float64    `json:"locked_price_zmw,omitempty"`
	AssignedDriverID *string     `json:"assigned_driver_id,omitempty"`
	Status           TripStatus  `json:"status"`
	CancelledBy      *string     `json:"cancelled_by,omitempty"`
	CancelReason     *string     `json:"cancel_reason,omitempty"`
	RequestedAt      time.Time   `json:"requested_at"`
	AssignedAt       *time.Time  `json:"assigned_at,omitempty"`
	ArrivingAt       *time.Time  `json:"arriving_at,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	CancelledAt      *time.Time  `json:"cancelled_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Patch carries the fields a status transition may set alongside the status.
// Nil fields are left untouched.
type Patch struct {
	AssignedDriverID *string
	LockedPriceZmw   *float64
	CancelledBy      *string
	CancelReason     *string
	At               time.Time
}

// Apply moves t to next, stamping the transition time and copying the patch.
func (t *Trip) Apply(next TripStatus, p Patch) {
	at := p.At
	if p.AssignedDriverID != nil {
		t.AssignedDriverID = stringPtr(*p.AssignedDriverID)
	}
	if p.LockedPriceZmw != nil {
		price := *p.LockedPriceZmw
		t.LockedPriceZmw = &price
	}
	if p.CancelledBy != nil {
		t.CancelledBy = stringPtr(*p.CancelledBy)
	}
	if p.CancelReason != nil {
		t.CancelReason = stringPtr(*p.CancelReason)
	}
	switch next {
	case StatusDriverAssigned:
		t.AssignedAt = &at
	case StatusDriverArriving:
		t.ArrivingAt = &at
	case StatusInProgress:
		t.StartedAt = &at
	case StatusCompleted:
		t.CompletedAt = &at
	case StatusCancelled:
		t.CancelledAt = &at
	}
	t.Status = next
	t.UpdatedAt = at
}

// IsParticipant reports whether userID is the tenant or the assigned driver.
func (t *Trip) IsParticipant(userID string) bool {
	return userID == t.TenantID || t.IsAssignedTo(userID)
}

func (t *Trip) IsAssignedTo(driverID string) bool {
	return t.AssignedDriverID != nil && *t.AssignedDriverID == driverID
}

// Clone returns a deep copy so stored records are never shared with callers.
func (t *Trip) Clone() *Trip {
	c := *t
	if t.LockedPriceZmw != nil {
		v := *t.LockedPriceZmw
		c.LockedPriceZmw = &v
	}
	c.AssignedDriverID = clonePtr(t.AssignedDriverID)
	c.CancelledBy = clonePtr(t.CancelledBy)
	c.CancelReason = clonePtr(t.CancelReason)
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.ArrivingAt = cloneTime(t.ArrivingAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return &c
}

func stringPtr(s string) *string { return &s }

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	return stringPtr(*p)
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
