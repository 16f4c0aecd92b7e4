// Package trips owns the trip lifecycle. Every status change goes through a
// compare-and-swap on the stored status, so two concurrent accepts can never
// both win and a stale advance can never overwrite a newer state.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"transport-dispatch/events"
	"transport-dispatch/logger"
	"transport-dispatch/metrics"
	"transport-dispatch/models"
)

// SystemActor is recorded as the canceller of requests nobody accepted.
const SystemActor = "system"

const cancelAttempts = 3

// Store persists trips. CompareAndSwapStatus applies patch and moves the trip
// to next only if its status is still expected; otherwise it returns
// models.ErrStatusMismatch. Unknown ids yield models.ErrTripNotFound.
type Store interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next models.TripStatus, patch models.Patch) (*models.Trip, error)
}

type Estimator interface {
	Estimate(ctx context.Context, pickup, dropoff models.Location, vt models.VehicleType) (models.Estimate, error)
}

type Eligibility interface {
	EligibleDrivers(ctx context.Context, vt models.VehicleType, pickup models.Location) ([]string, error)
}

type Publisher interface {
	PublishEvent(channel string, ev events.Event) error
}

type Config struct {
	// MatchTimeout cancels a request nobody accepted. Zero disables expiry.
	MatchTimeout time.Duration
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger.OrDefault(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type Controller struct {
	store     Store
	estimator Estimator
	matcher   Eligibility
	pub       Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	offers map[string][]string
	timers map[string]*time.Timer
	closed bool
}

func NewController(store Store, est Estimator, matcher Eligibility, pub Publisher, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		estimator: est,
		matcher:   matcher,
		pub:       pub,
		cfg:       cfg,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
		now:       time.Now,
		newID:     uuid.NewString,
		offers:    make(map[string][]string),
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CreateRequest struct {
	TenantID    string             `json:"-"`
	Pickup      models.Location    `json:"pickup"`
	Dropoff     models.Location    `json:"dropoff"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

type CreateResult struct {
	Trip *models.Trip `json:"trip"`
	// Recipients are the drivers the request was broadcast to.
	Recipients []string `json:"recipients"`
}

// Create records a REQUESTED trip and broadcasts it to every eligible driver.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return CreateResult{}, reject(CodeInvalidRequest, "tenant id is required")
	}
	vt, err := models.ParseVehicleType(string(req.VehicleType))
	if err != nil {
		return CreateResult{}, reject(CodeInvalidRequest, "%v", err)
	}
	if !req.Pickup.Valid() || !req.Dropoff.Valid() {
		return CreateResult{}, reject(CodeInvalidRequest, "pickup and dropoff need valid coordinates")
	}

	est, err := c.estimator.Estimate(ctx, req.Pickup, req.Dropoff, vt)
	if err != nil {
		return CreateResult{}, fmt.Errorf("trips: estimate fare: %w", err)
	}

	now := c.now().UTC()
	trip := &models.Trip{
		ID:               c.newID(),
		TenantID:         req.TenantID,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		VehicleType:      vt,
		DistanceKm:       est.DistanceKm,
		DurationMin:      est.DurationMin,
		PriceEstimateZmw: est.PriceZmw,
		Status:           models.StatusRequested,
		RequestedAt:      now,
		UpdatedAt:        now,
	}
	if err := c.store.Create(ctx, trip); err != nil {
		return CreateResult{}, fmt.Errorf("trips: create: %w", err)
	}
	c.metrics.TripTransition(string(models.StatusRequested))

	recipients, err := c.matcher.EligibleDrivers(ctx, vt, req.Pickup)
	if err != nil {
		c.logger.Error("eligible drivers lookup failed", slog.String("trip_id", trip.ID), slog.String("error", err.Error()))
		recipients = nil
	}

	offer := events.TransportRequest{
		TripID:           trip.ID,
		TenantID:         trip.TenantID,
		Pickup:           trip.Pickup,
		Dropoff:          trip.Dropoff,
		VehicleType:      trip.VehicleType,
		DistanceKm:       trip.DistanceKm,
		DurationMin:      trip.DurationMin,
		PriceEstimateZmw: trip.PriceEstimateZmw,
		RequestedAt:      trip.RequestedAt,
	}
	if c.cfg.MatchTimeout > 0 {
		expires := now.Add(c.cfg.MatchTimeout)
		offer.ExpiresAt = &expires
	}

	c.mu.Lock()
	c.offers[trip.ID] = append([]string(nil), recipients...)
	if c.cfg.MatchTimeout > 0 && !c.closed {
		id := trip.ID
		c.timers[id] = time.AfterFunc(c.cfg.MatchTimeout, func() { c.expire(id) })
	}
	c.mu.Unlock()

	for _, driverID := range recipients {
		c.publish(events.DriverChannel(driverID), offer)
	}
	c.logger.Info("transport requested",
		slog.String("trip_id", trip.ID),
		slog.String("tenant_id", trip.TenantID),
		slog.String("vehicle_type", string(vt)),
		slog.Int("recipients", len(recipients)),
	)
	return CreateResult{Trip: trip, Recipients: recipients}, nil
}

// Accept assigns the trip to driverID if it is still REQUESTED. Every other
// concurrent or later caller gets ErrRequestAlreadyTaken and changes nothing.
func (c *Controller) Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	if driverID == "" {
		return nil, reject(CodeInvalidRequest, "driver id is required")
	}
	current, err := c.load(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusRequested {
		c.metrics.AcceptOutcome(metrics.AcceptLost)
		return nil, ErrRequestAlreadyTaken
	}

	price := current.PriceEstimateZmw
	trip, err := c.store.CompareAndSwapStatus(ctx, tripID, models.StatusRequested, models.StatusDriverAssigned, models.Patch{
		AssignedDriverID: &driverID,
		LockedPriceZmw:   &price,
		At:               c.now().UTC(),
	})
	switch {
	case errors.Is(err, models.ErrStatusMismatch):
		c.metrics.AcceptOutcome(metrics.AcceptLost)
		c.logger.Info("accept lost", slog.String("trip_id", tripID), slog.String("driver_id", driverID))
		return nil, ErrRequestAlreadyTaken
	case errors.Is(err, models.ErrTripNotFound):
		return nil, ErrTripNotFound
	case err != nil:
		return nil, fmt.Errorf("trips: accept %s: %w", tripID, err)
	}

	c.metrics.AcceptOutcome(metrics.AcceptWon)
	c.metrics.TripTransition(string(trip.Status))
	c.logger.Info("trip accepted", slog.String("trip_id", tripID), slog.String("driver_id", driverID))

	offered := c.settle(tripID)
	c.publish(events.TenantChannel(trip.TenantID), events.BookingConfirmed{
		TripID:         trip.ID,
		DriverID:       driverID,
		LockedPriceZmw: price,
		Status:         trip.Status,
		AssignedAt:     *trip.AssignedAt,
	})
	c.announce(trip, models.StatusRequested, driverID, "")
	c.retract(tripID, offered, driverID, events.TakenAccepted)
	return trip, nil
}

// Advance moves the trip to next if next is the unique successor of its
// current status and driverID is the assigned driver.
func (c *Controller) Advance(ctx context.Context, tripID, driverID string, next models.TripStatus) (*models.Trip, error) {
	current, err := c.load(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !current.IsAssignedTo(driverID) {
		return nil, reject(CodeInvalidTransition, "only the assigned driver can advance trip %s", tripID)
	}
	want, ok := current.Status.Next()
	if !ok || next != want || next == models.StatusDriverAssigned {
		return nil, reject(CodeInvalidTransition, "cannot move trip from %s to %s", current.Status, next)
	}

	trip, err := c.store.CompareAndSwapStatus(ctx, tripID, current.Status, next, models.Patch{At: c.now().UTC()})
	switch {
	case errors.Is(err, models.ErrStatusMismatch):
		return nil, reject(CodeInvalidTransition, "trip %s changed concurrently", tripID)
	case errors.Is(err, models.ErrTripNotFound):
		return nil, ErrTripNotFound
	case err != nil:
		return nil, fmt.Errorf("trips: advance %s: %w", tripID, err)
	}

	c.metrics.TripTransition(string(trip.Status))
	c.logger.Info("trip advanced",
		slog.String("trip_id", tripID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(trip.Status)),
	)
	c.announce(trip, current.Status, driverID, "")
	return trip, nil
}

// Cancel ends a non-terminal trip on behalf of its tenant or assigned driver.
// A concurrent advance is retried against the new status.
func (c *Controller) Cancel(ctx context.Context, tripID, actorID, reason string) (*models.Trip, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		current, err := c.load(ctx, tripID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return nil, reject(CodeInvalidTransition, "trip %s is already %s", tripID, current.Status)
		}
		if !current.IsParticipant(actorID) {
			return nil, ErrForbidden
		}

		trip, err := c.cancel(ctx, current, actorID, reason)
		if errors.Is(err, models.ErrStatusMismatch) {
			continue
		}
		return trip, err
	}
	return nil, reject(CodeInvalidTransition, "trip %s kept changing, cancel not applied", tripID)
}

func (c *Controller) cancel(ctx context.Context, current *models.Trip, actorID, reason string) (*models.Trip, error) {
	patch := models.Patch{CancelledBy: &actorID, At: c.now().UTC()}
	if reason != "" {
		patch.CancelReason = &reason
	}
	trip, err := c.store.CompareAndSwapStatus(ctx, current.ID, current.Status, models.StatusCancelled, patch)
	switch {
	case errors.Is(err, models.ErrStatusMismatch):
		return nil, err
	case errors.Is(err, models.ErrTripNotFound):
		return nil, ErrTripNotFound
	case err != nil:
		return nil, fmt.Errorf("trips: cancel %s: %w", current.ID, err)
	}

	c.metrics.TripTransition(string(trip.Status))
	c.logger.Info("trip cancelled",
		slog.String("trip_id", trip.ID),
		slog.String("by", actorID),
		slog.String("from", string(current.Status)),
	)
	c.announce(trip, current.Status, actorID, reason)
	if current.Status == models.StatusRequested {
		taken := events.TakenCancelled
		if actorID == SystemActor {
			taken = events.TakenExpired
		}
		c.retract(trip.ID, c.settle(trip.ID), "", taken)
	}
	return trip, nil
}

func (c *Controller) expire(tripID string) {
	c.mu.Lock()
	delete(c.timers, tripID)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ctx := context.Background()
	current, err := c.store.Get(ctx, tripID)
	if err != nil || current.Status != models.StatusRequested {
		return
	}
	if _, err := c.cancel(ctx, current, SystemActor, "no driver accepted the request"); err != nil && !errors.Is(err, models.ErrStatusMismatch) {
		c.logger.Error("request expiry failed", slog.String("trip_id", tripID), slog.String("error", err.Error()))
	}
}

// Get returns the trip.
func (c *Controller) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return c.load(ctx, tripID)
}

// View returns the trip if userID is its tenant, its assigned driver or a
// driver it is currently offered to.
func (c *Controller) View(ctx context.Context, tripID, userID string) (*models.Trip, error) {
	trip, err := c.load(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.IsParticipant(userID) {
		return trip, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.offers[tripID] {
		if id == userID {
			return trip, nil
		}
	}
	return nil, ErrForbidden
}

// Close stops pending expiry timers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) load(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := c.store.Get(ctx, tripID)
	if errors.Is(err, models.ErrTripNotFound) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("trips: load %s: %w", tripID, err)
	}
	if trip.Status != models.StatusRequested {
		// The trip may have moved on through another controller sharing the
		// store; its offer is no longer open here either.
		c.settle(tripID)
	}
	return trip, nil
}

// settle forgets the open offer of a trip that left REQUESTED and returns the
// drivers it had been offered to.
func (c *Controller) settle(tripID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[tripID]; ok {
		t.Stop()
		delete(c.timers, tripID)
	}
	offered := c.offers[tripID]
	delete(c.offers, tripID)
	return offered
}

func (c *Controller) announce(trip *models.Trip, previous models.TripStatus, actorID, reason string) {
	ev := events.StatusChanged{
		TripID:   trip.ID,
		Previous: previous,
		Status:   trip.Status,
		ActorID:  actorID,
		Reason:   reason,
		At:       trip.UpdatedAt,
	}
	c.publish(events.TenantChannel(trip.TenantID), ev)
	if trip.AssignedDriverID != nil {
		c.publish(events.DriverChannel(*trip.AssignedDriverID), ev)
	}
}

func (c *Controller) retract(tripID string, offered []string, except, reason string) {
	ev := events.RequestTaken{TripID: tripID, Reason: reason}
	for _, driverID := range offered {
		if driverID != except {
			c.publish(events.DriverChannel(driverID), ev)
		}
	}
}

func (c *Controller) publish(channel string, ev events.Event) {
	if err := c.pub.PublishEvent(channel, ev); err != nil {
		c.logger.Error("publish failed",
			slog.String("channel", channel),
			slog.String("event", ev.EventName()),
			slog.String("error", err.Error()),
		)
	}
}
