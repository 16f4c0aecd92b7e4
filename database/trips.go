package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"transport-dispatch/models"
)

const tripColumns = `id, tenant_id,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_type, distance_km, duration_min, price_estimate_zmw, locked_price_zmw,
	assigned_driver_id, status, cancelled_by, cancel_reason,
	requested_at, assigned_at, arriving_at, started_at, completed_at, cancelled_at, updated_at`

// transitionColumn is the timestamp stamped when a trip enters a status.
var transitionColumn = map[models.TripStatus]string{
	models.StatusDriverAssigned: "assigned_at",
	models.StatusDriverArriving: "arriving_at",
	models.StatusInProgress:     "started_at",
	models.StatusCompleted:      "completed_at",
	models.StatusCancelled:      "cancelled_at",
}

// TripStore keeps trips in postgres. The status compare-and-swap is a single
// conditional UPDATE, so concurrent accepts across processes still have one
// winner.
type TripStore struct {
	db *sql.DB
}

func NewTripStore(db *sql.DB) *TripStore {
	return &TripStore{db: db}
}

func (s *TripStore) Create(ctx context.Context, t *models.Trip) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		t.ID, t.TenantID,
		t.Pickup.Lat, t.Pickup.Lng, t.Pickup.Address,
		t.Dropoff.Lat, t.Dropoff.Lng, t.Dropoff.Address,
		string(t.VehicleType), t.DistanceKm, t.DurationMin, t.PriceEstimateZmw, t.LockedPriceZmw,
		t.AssignedDriverID, string(t.Status), t.CancelledBy, t.CancelReason,
		t.RequestedAt, t.AssignedAt, t.ArrivingAt, t.StartedAt, t.CompletedAt, t.CancelledAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("database: insert trip %s: %w", t.ID, err)
	}
	return nil
}

func (s *TripStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get trip %s: %w", id, err)
	}
	return t, nil
}

func (s *TripStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next models.TripStatus, patch models.Patch) (*models.Trip, error) {
	col, ok := transitionColumn[next]
	if !ok {
		return nil, fmt.Errorf("database: no transition into %s", next)
	}
	query := fmt.Sprintf(`UPDATE trips SET
		status = $3,
		assigned_driver_id = COALESCE($4, assigned_driver_id),
		locked_price_zmw = COALESCE($5, locked_price_zmw),
		cancelled_by = COALESCE($6, cancelled_by),
		cancel_reason = COALESCE($7, cancel_reason),
		%s = $8,
		updated_at = $8
		WHERE id = $1 AND status = $2
		RETURNING %s`, col, tripColumns)

	row := s.db.QueryRowContext(ctx, query,
		id, string(expected), string(next),
		patch.AssignedDriverID, patch.LockedPriceZmw, patch.CancelledBy, patch.CancelReason,
		patch.At,
	)
	t, err := scanTrip(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("database: update trip %s: %w", id, err)
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM trips WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, models.ErrTripNotFound
	case err != nil:
		return nil, fmt.Errorf("database: read status of trip %s: %w", id, err)
	}
	return nil, models.ErrStatusMismatch
}

func scanTrip(row *sql.Row) (*models.Trip, error) {
	var (
		t                                                    models.Trip
		vehicle, status                                      string
		lockedPrice                                          sql.NullFloat64
		driverID, cancelledBy, cancelReason                  sql.NullString
		assignedAt, arrivingAt, startedAt, completedAt, done sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.TenantID,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Pickup.Address,
		&t.Dropoff.Lat, &t.Dropoff.Lng, &t.Dropoff.Address,
		&vehicle, &t.DistanceKm, &t.DurationMin, &t.PriceEstimateZmw, &lockedPrice,
		&driverID, &status, &cancelledBy, &cancelReason,
		&t.RequestedAt, &assignedAt, &arrivingAt, &startedAt, &completedAt, &done, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.VehicleType = models.VehicleType(vehicle)
	t.Status = models.TripStatus(status)
	if lockedPrice.Valid {
		v := lockedPrice.Float64
		t.LockedPriceZmw = &v
	}
	t.AssignedDriverID = nullString(driverID)
	t.CancelledBy = nullString(cancelledBy)
	t.CancelReason = nullString(cancelReason)
	t.AssignedAt = nullTime(assignedAt)
	t.ArrivingAt = nullTime(arrivingAt)
	t.StartedAt = nullTime(startedAt)
	t.CompletedAt = nullTime(completedAt)
	t.CancelledAt = nullTime(done)
	return &t, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
