package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"transport-dispatch/auth"
	"transport-dispatch/events"
	"transport-dispatch/logger"
	"transport-dispatch/models"
)

var (
	ErrInvalidVehicle  = errors.New("online drivers need a known vehicle type")
	ErrInvalidPosition = errors.New("invalid position")
)

// Service applies driver presence reports to a Store. Reports arrive from the
// hub (frames a driver publishes on the presence channel), from HTTP, and
// from the hub's disconnect hook.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, l *slog.Logger) *Service {
	return &Service{store: store, logger: logger.OrDefault(l)}
}

// SetStatus takes a driver online or offline. pos is optional.
func (s *Service) SetStatus(ctx context.Context, driverID string, online bool, vt models.VehicleType, pos *models.Position) (models.DriverPresence, error) {
	if !online {
		if err := s.store.SetOffline(ctx, driverID); err != nil {
			return models.DriverPresence{}, err
		}
		s.logger.Info("driver offline", slog.String("driver_id", driverID))
		return models.DriverPresence{DriverID: driverID, VehicleType: vt}, nil
	}

	if !vt.Valid() {
		return models.DriverPresence{}, fmt.Errorf("%w: %q", ErrInvalidVehicle, vt)
	}
	if pos != nil && !pos.Valid() {
		return models.DriverPresence{}, ErrInvalidPosition
	}
	if pos == nil {
		if prev, err := s.store.Get(ctx, driverID); err == nil && prev.Position != nil {
			pos = prev.Position
		}
	}
	p := models.DriverPresence{DriverID: driverID, VehicleType: vt, Online: true, Position: pos}
	if err := s.store.Upsert(ctx, p); err != nil {
		return models.DriverPresence{}, err
	}
	s.logger.Info("driver online", slog.String("driver_id", driverID), slog.String("vehicle_type", string(vt)))
	return s.store.Get(ctx, driverID)
}

func (s *Service) ReportPosition(ctx context.Context, driverID string, pos models.Position) (models.DriverPresence, error) {
	if !pos.Valid() {
		return models.DriverPresence{}, ErrInvalidPosition
	}
	return s.store.UpdatePosition(ctx, driverID, pos)
}

func (s *Service) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	return s.store.Get(ctx, driverID)
}

// Disconnected marks a driver offline once their last connection is gone.
func (s *Service) Disconnected(ctx context.Context, id auth.Identity) {
	if !id.IsDriver() {
		return
	}
	if err := s.store.SetOffline(ctx, id.UserID); err != nil {
		s.logger.Error("implicit offline failed", slog.String("driver_id", id.UserID), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("driver offline after disconnect", slog.String("driver_id", id.UserID))
}

// Intercept handles events drivers publish on the presence channel. A driver
// may only report about itself.
func (s *Service) Intercept(ctx context.Context, id auth.Identity, ev events.Event) {
	if !id.IsDriver() {
		s.logger.Warn("presence report from non-driver", slog.String("user_id", id.UserID))
		return
	}

	var err error
	switch e := ev.(type) {
	case events.PresenceChanged:
		if e.DriverID != id.UserID {
			s.logger.Warn("presence report for another driver", slog.String("user_id", id.UserID), slog.String("driver_id", e.DriverID))
			return
		}
		_, err = s.SetStatus(ctx, e.DriverID, e.Online, e.VehicleType, e.Position)
	case events.LocationUpdate:
		if e.DriverID != id.UserID {
			s.logger.Warn("location report for another driver", slog.String("user_id", id.UserID), slog.String("driver_id", e.DriverID))
			return
		}
		_, err = s.ReportPosition(ctx, e.DriverID, e.Position)
		if errors.Is(err, models.ErrDriverOffline) || errors.Is(err, models.ErrDriverNotFound) {
			s.logger.Debug("location from offline driver ignored", slog.String("driver_id", e.DriverID))
			return
		}
	default:
		s.logger.Debug("ignoring presence channel event", slog.String("event", ev.EventName()))
		return
	}
	if err != nil {
		s.logger.Warn("presence report rejected", slog.String("driver_id", id.UserID), slog.String("error", err.Error()))
	}
}
