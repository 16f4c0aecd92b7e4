package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"transport-dispatch/auth"
	"transport-dispatch/fare"
	"transport-dispatch/logger"
	"transport-dispatch/models"
	"transport-dispatch/presence"
	"transport-dispatch/trips"
)

type Trips interface {
	Create(ctx context.Context, req trips.CreateRequest) (trips.CreateResult, error)
	Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	Advance(ctx context.Context, tripID, driverID string, next models.TripStatus) (*models.Trip, error)
	Cancel(ctx context.Context, tripID, actorID, reason string) (*models.Trip, error)
	View(ctx context.Context, tripID, userID string) (*models.Trip, error)
}

type Presence interface {
	SetStatus(ctx context.Context, driverID string, online bool, vt models.VehicleType, pos *models.Position) (models.DriverPresence, error)
	ReportPosition(ctx context.Context, driverID string, pos models.Position) (models.DriverPresence, error)
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
}

type Estimator interface {
	Estimate(ctx context.Context, pickup, dropoff models.Location, vt models.VehicleType) (models.Estimate, error)
}

type Handler struct {
	trips    Trips
	presence Presence
	fares    Estimator
	logger   *slog.Logger
}

func NewHandler(t Trips, p Presence, f Estimator, l *slog.Logger) *Handler {
	return &Handler{trips: t, presence: p, fares: f, logger: logger.OrDefault(l)}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRejection(w http.ResponseWriter, status int, code trips.Code, message string) {
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}

func statusFor(code trips.Code) int {
	switch code {
	case trips.CodeRequestAlreadyTaken, trips.CodeInvalidTransition:
		return http.StatusConflict
	case trips.CodeTripNotFound:
		return http.StatusNotFound
	case trips.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// writeError maps domain errors to responses. Anything unrecognised is a 500
// and is logged; its text never reaches the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *trips.Rejection
	switch {
	case errors.As(err, &rej):
		writeRejection(w, statusFor(rej.Code), rej.Code, rej.Message)
	case errors.Is(err, models.ErrDriverNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Code: "DRIVER_NOT_FOUND", Message: err.Error()})
	case errors.Is(err, models.ErrDriverOffline):
		writeJSON(w, http.StatusConflict, errorBody{Code: "DRIVER_OFFLINE", Message: err.Error()})
	case errors.Is(err, presence.ErrInvalidVehicle),
		errors.Is(err, presence.ErrInvalidPosition),
		errors.Is(err, fare.ErrUnknownVehicle),
		errors.Is(err, fare.ErrInvalidLocation):
		writeRejection(w, http.StatusBadRequest, trips.CodeInvalidRequest, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeRejection(w, http.StatusBadRequest, trips.CodeInvalidRequest, "Invalid request payload")
		return false
	}
	return true
}

func identity(w http.ResponseWriter, r *http.Request, role auth.Role) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "authentication required"})
		return auth.Identity{}, false
	}
	if role != "" && id.Role != role {
		writeRejection(w, http.StatusForbidden, trips.CodeForbidden, "requires role "+string(role))
		return auth.Identity{}, false
	}
	return id, true
}

type transportRequest struct {
	Pickup      models.Location `json:"pickup"`
	Dropoff     models.Location `json:"dropoff"`
	VehicleType string          `json:"vehicle_type"`
}

// RequestTransport creates a trip for the calling tenant and broadcasts it.
func (h *Handler) RequestTransport(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r, auth.RoleTenant)
	if !ok {
		return
	}
	var req transportRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.trips.Create(r.Context(), trips.CreateRequest{
		TenantID:    id.UserID,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		VehicleType: models.VehicleType(req.VehicleType),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r, "")
	if !ok {
		return
	}
	trip, err := h.trips.View(r.Context(), mux.Vars(r)["trip_id"], id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) AcceptTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	trip, err := h.trips.Accept(r.Context(), mux.Vars(r)["trip_id"], id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) AdvanceTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	next, err := models.ParseTripStatus(body.Status)
	if err != nil {
		writeRejection(w, http.StatusBadRequest, trips.CodeInvalidRequest, err.Error())
		return
	}
	trip, err := h.trips.Advance(r.Context(), mux.Vars(r)["trip_id"], id.UserID, next)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) CancelTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r, "")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	trip, err := h.trips.Cancel(r.Context(), mux.Vars(r)["trip_id"], id.UserID, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// ownDriver passes only when the caller is the driver named in the path.
func ownDriver(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := identity(w, r, auth.RoleDriver)
	if !ok {
		return "", false
	}
	driverID := mux.Vars(r)["driver_id"]
	if driverID != id.UserID {
		writeRejection(w, http.StatusForbidden, trips.CodeForbidden, "drivers may only update themselves")
		return "", false
	}
	return driverID, true
}

// DriverStatusUpdate takes the calling driver online or offline.
func (h *Handler) DriverStatusUpdate(w http.ResponseWriter, r *http.Request) {
	driverID, ok := ownDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		Online      bool             `json:"online"`
		VehicleType string           `json:"vehicle_type"`
		Position    *models.Position `json:"position,omitempty"`
	}
	if !decode(w, r, &body) {
		return
	}
	vt := models.VehicleType(body.VehicleType)
	if parsed, err := models.ParseVehicleType(body.VehicleType); err == nil {
		vt = parsed
	}
	p, err := h.presence.SetStatus(r.Context(), driverID, body.Online, vt, body.Position)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := ownDriver(w, r)
	if !ok {
		return
	}
	var pos models.Position
	if !decode(w, r, &pos) {
		return
	}
	p, err := h.presence.ReportPosition(r.Context(), driverID, pos)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r, ""); !ok {
		return
	}
	p, err := h.presence.Get(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Estimate prices a trip without creating it.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r, ""); !ok {
		return
	}
	var req transportRequest
	if !decode(w, r, &req) {
		return
	}
	vt, err := models.ParseVehicleType(req.VehicleType)
	if err != nil {
		writeRejection(w, http.StatusBadRequest, trips.CodeInvalidRequest, err.Error())
		return
	}
	est, err := h.fares.Estimate(r.Context(), req.Pickup, req.Dropoff, vt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}
