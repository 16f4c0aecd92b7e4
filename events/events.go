// Package events defines the frames exchanged over the dispatch channel and
// the typed payload carried by each named event.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transport-dispatch/models"
)

// ErrMalformed marks a frame or payload that could not be parsed.
var ErrMalformed = errors.New("malformed event")

const (
	NameTransportRequest = "transport_request"
	NameBookingConfirmed = "booking_confirmed"
	NameStatusChanged    = "status_changed"
	NameRequestTaken     = "request_taken"
	NameLocationUpdate   = "location_update"
	NamePresenceChanged  = "presence_changed"
	NameError            = "error"
)

// Event is implemented by every payload variant.
type Event interface {
	EventName() string
}

// Envelope is the hub-to-client frame and the pub body of a client frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TransportRequest struct {
	TripID           string             `json:"trip_id"`
	TenantID         string             `json:"tenant_id"`
	Pickup           models.Location    `json:"pickup"`
	Dropoff          models.Location    `json:"dropoff"`
	VehicleType      models.VehicleType `json:"vehicle_type"`
	DistanceKm       float64            `json:"distance_km"`
	DurationMin      float64            `json:"duration_min"`
	PriceEstimateZmw float64            `json:"price_estimate_zmw"`
	RequestedAt      time.Time          `json:"requested_at"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
}

type BookingConfirmed struct {
	TripID         string            `json:"trip_id"`
	DriverID       string            `json:"driver_id"`
	LockedPriceZmw float64           `json:"locked_price_zmw"`
	Status         models.TripStatus `json:"status"`
	AssignedAt     time.Time         `json:"assigned_at"`
}

type StatusChanged struct {
	TripID   string            `json:"trip_id"`
	Previous models.TripStatus `json:"previous"`
	Status   models.TripStatus `json:"status"`
	ActorID  string            `json:"actor_id"`
	Reason   string            `json:"reason,omitempty"`
	At       time.Time         `json:"at"`
}

// RequestTaken tells drivers who were offered a trip that the offer is gone.
type RequestTaken struct {
	TripID string `json:"trip_id"`
	Reason string `json:"reason"`
}

const (
	TakenAccepted  = "accepted"
	TakenCancelled = "cancelled"
	TakenExpired   = "expired"
)

type LocationUpdate struct {
	DriverID string          `json:"driver_id"`
	TripID   string          `json:"trip_id,omitempty"`
	Position models.Position `json:"position"`
}

type PresenceChanged struct {
	DriverID    string             `json:"driver_id"`
	Online      bool               `json:"online"`
	VehicleType models.VehicleType `json:"vehicle_type,omitempty"`
	Position    *models.Position   `json:"position,omitempty"`
}

// Error is sent by the hub to a single connection when one of its frames is refused.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Unknown is the deliberate ignore branch for event names this build does not know.
type Unknown struct {
	Name string
	Data json.RawMessage
}

func (TransportRequest) EventName() string { return NameTransportRequest }
func (BookingConfirmed) EventName() string { return NameBookingConfirmed }
func (StatusChanged) EventName() string { return NameStatusChanged }
func (RequestTaken) EventName() string { return NameRequestTaken }
func (LocationUpdate) EventName() string { return NameLocationUpdate }
func (PresenceChanged) EventName() string { return NamePresenceChanged }
func (Error) EventName() string { return NameError }
func (u Unknown) EventName() string { return u.Name }

// Decode turns an envelope into its typed variant. Unrecognised names decode to
// Unknown without error; a recognised name with an unparsable payload returns
// an error wrapping ErrMalformed.
func Decode(env Envelope) (Event, error) {
	switch env.Event {
	case NameTransportRequest:
		return decodeAs[TransportRequest](env)
	case NameBookingConfirmed:
		return decodeAs[BookingConfirmed](env)
	case NameStatusChanged:
		return decodeAs[StatusChanged](env)
	case NameRequestTaken:
		return decodeAs[RequestTaken](env)
	case NameLocationUpdate:
		return decodeAs[LocationUpdate](env)
	case NamePresenceChanged:
		return decodeAs[PresenceChanged](env)
	case NameError:
		return decodeAs[Error](env)
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		return Unknown{Name: env.Event, Data: env.Data}, nil
	}
}

func decodeAs[T Event](env Envelope) (Event, error) {
	var v T
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return v, nil
}

// Encode builds the envelope for ev.
func Encode(ev Event) (Envelope, error) {
	if u, ok := ev.(Unknown); ok {
		return Envelope{Event: u.Name, Data: u.Data}, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return Envelope{Event: ev.EventName(), Data: data}, nil
}

// ParseEnvelope decodes a raw hub frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// ServerOwned reports whether only the server may emit the named event.
// Trip state events must go through the lifecycle controller.
func ServerOwned(name string) bool {
	switch name {
	case NameTransportRequest, NameBookingConfirmed, NameStatusChanged, NameRequestTaken, NameError:
		return true
	}
	return false
}
