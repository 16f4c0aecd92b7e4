// Package tracker is the driver side of presence: the online/offline toggle
// and the throttled location stream.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"transport-dispatch/agent"
	"transport-dispatch/events"
	"transport-dispatch/logger"
	"transport-dispatch/models"
)

type State string

const (
	StateOffline State = "OFFLINE"
	StateOnline  State = "ONLINE"
)

// ErrNotConnected is returned by GoOnline while the agent has no live
// connection to the hub.
var ErrNotConnected = errors.New("tracker: not connected to the hub")

// Publisher is the part of the channel agent the tracker needs.
type Publisher interface {
	Publish(channel string, ev events.Event) error
	OnStateChange(fn func(agent.State))
	State() agent.State
}

type Config struct {
	DriverID    string
	VehicleType models.VehicleType
	// Interval is the throttle window: at most one location publish per window.
	Interval time.Duration
	// KeepAlive republishes the last known presence after this long without a
	// new sample, so a stationary driver does not go stale on the server.
	// Keep it below the server's staleness window.
	KeepAlive time.Duration
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger.OrDefault(l) }
}

// WithPermissionDenied is called once each time the source reports denied
// permission while online.
func WithPermissionDenied(fn func(error)) Option {
	return func(t *Tracker) { t.onDenied = fn }
}

type tripLink struct {
	tripID   string
	tenantID string
}

type Tracker struct {
	pub       Publisher
	src       Source
	cfg       Config
	logger    *slog.Logger
	onDenied  func(error)
	newTicker func(time.Duration) ticker

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	trip   *tripLink
	last   *models.Position
}

func New(pub Publisher, src Source, cfg Config, opts ...Option) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	t := &Tracker{
		pub:    pub,
		src:    src,
		cfg:    cfg,
		logger: slog.Default(),
		state:  StateOffline,
		newTicker: func(d time.Duration) ticker {
			return realTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	pub.OnStateChange(t.connectionState)
	return t
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastPosition is the most recently published position.
func (t *Tracker) LastPosition() (models.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return models.Position{}, false
	}
	return *t.last, true
}

// GoOnline announces availability and starts the location stream. It fails
// with ErrNotConnected unless the agent is connected. The stream also ends
// when ctx is done.
func (t *Tracker) GoOnline(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateOnline {
		t.mu.Unlock()
		return nil
	}
	t.state = StateOnline
	t.gen++
	gen := t.gen
	streamCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	announce := t.presenceLocked(true)
	t.mu.Unlock()

	// Checked after going ONLINE: a disconnect from here on is seen by
	// connectionState, one before it is seen here.
	if t.pub.State() != agent.StateConnected {
		t.stop(gen)
		return ErrNotConnected
	}
	if err := t.pub.Publish(events.PresenceChannel, announce); err != nil {
		t.stop(gen)
		return err
	}
	t.logger.Info("driver online", slog.String("driver_id", t.cfg.DriverID))
	go t.stream(streamCtx, gen)
	return nil
}

// GoOffline stops the stream and announces unavailability.
func (t *Tracker) GoOffline() error {
	t.mu.Lock()
	if t.state == StateOffline {
		t.mu.Unlock()
		return nil
	}
	t.stopLocked()
	announce := t.presenceLocked(false)
	t.mu.Unlock()

	t.logger.Info("driver offline", slog.String("driver_id", t.cfg.DriverID))
	return t.pub.Publish(events.PresenceChannel, announce)
}

func (t *Tracker) Toggle(ctx context.Context) (State, error) {
	if t.State() == StateOnline {
		return StateOffline, t.GoOffline()
	}
	return StateOnline, t.GoOnline(ctx)
}

// AttachTrip mirrors location updates to the tenant of an active trip.
func (t *Tracker) AttachTrip(tripID, tenantID string) {
	t.mu.Lock()
	t.trip = &tripLink{tripID: tripID, tenantID: tenantID}
	t.mu.Unlock()
}

func (t *Tracker) DetachTrip() {
	t.mu.Lock()
	t.trip = nil
	t.mu.Unlock()
}

func (t *Tracker) presenceLocked(online bool) events.PresenceChanged {
	ev := events.PresenceChanged{
		DriverID:    t.cfg.DriverID,
		Online:      online,
		VehicleType: t.cfg.VehicleType,
	}
	if online && t.last != nil {
		p := *t.last
		ev.Position = &p
	}
	return ev
}

func (t *Tracker) stopLocked() {
	t.state = StateOffline
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) stop(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.state != StateOnline {
		return false
	}
	t.stopLocked()
	return true
}

// connectionState takes the driver offline as soon as the agent loses its
// connection. The server marks the driver offline on its side.
func (t *Tracker) connectionState(s agent.State) {
	if s != agent.StateDisconnected && s != agent.StateClosed {
		return
	}
	t.mu.Lock()
	wasOnline := t.state == StateOnline
	if wasOnline {
		t.stopLocked()
	}
	t.mu.Unlock()
	if wasOnline {
		t.logger.Warn("connection lost, driver offline", slog.String("driver_id", t.cfg.DriverID))
	}
}

func (t *Tracker) stream(ctx context.Context, gen uint64) {
	var throttle Throttle
	var idle time.Duration
	readings := t.src.Watch(ctx)
	tick := t.newTicker(t.cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			if r.Err != nil {
				if errors.Is(r.Err, ErrPermissionDenied) {
					t.permissionDenied(gen, r.Err)
					return
				}
				t.logger.Warn("position source failed, retrying",
					slog.String("driver_id", t.cfg.DriverID),
					slog.String("error", r.Err.Error()),
				)
				continue
			}
			if r.Position.Valid() {
				throttle.Offer(r.Position)
			}
		case <-tick.C():
			if p, ok := throttle.Take(); ok {
				t.publishLocation(gen, p)
				idle = 0
				continue
			}
			idle += t.cfg.Interval
			if idle >= t.cfg.KeepAlive {
				t.keepAlive(gen)
				idle = 0
			}
		}
	}
}

func (t *Tracker) publishLocation(gen uint64, p models.Position) {
	t.mu.Lock()
	if t.gen != gen || t.state != StateOnline {
		t.mu.Unlock()
		return
	}
	t.last = &p
	trip := t.trip
	t.mu.Unlock()

	ev := events.LocationUpdate{DriverID: t.cfg.DriverID, Position: p}
	if err := t.pub.Publish(events.PresenceChannel, ev); err != nil {
		t.logger.Warn("location publish failed", slog.String("error", err.Error()))
	}
	if trip != nil {
		ev.TripID = trip.tripID
		if err := t.pub.Publish(events.TenantChannel(trip.tenantID), ev); err != nil {
			t.logger.Warn("trip location publish failed", slog.String("trip_id", trip.tripID), slog.String("error", err.Error()))
		}
	}
}

// keepAlive refreshes the server's entry without a new fix: the last
// position if there is one, else the online announcement.
func (t *Tracker) keepAlive(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != StateOnline {
		t.mu.Unlock()
		return
	}
	last := t.last
	var announce events.PresenceChanged
	if last == nil {
		announce = t.presenceLocked(true)
	}
	t.mu.Unlock()

	if last != nil {
		t.publishLocation(gen, *last)
		return
	}
	if err := t.pub.Publish(events.PresenceChannel, announce); err != nil {
		t.logger.Warn("keepalive publish failed", slog.String("error", err.Error()))
	}
}

func (t *Tracker) permissionDenied(gen uint64, cause error) {
	if !t.stop(gen) {
		return
	}
	t.logger.Error("location permission denied, tracking stopped", slog.String("driver_id", t.cfg.DriverID))
	if err := t.pub.Publish(events.PresenceChannel, events.PresenceChanged{
		DriverID:    t.cfg.DriverID,
		Online:      false,
		VehicleType: t.cfg.VehicleType,
	}); err != nil {
		t.logger.Warn("offline publish failed", slog.String("error", err.Error()))
	}
	if t.onDenied != nil {
		t.onDenied(cause)
	}
}
