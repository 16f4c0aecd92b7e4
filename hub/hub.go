// Package hub is the in-memory pub/sub broker that fans events out to the
// connections subscribed to a channel.
//
// Delivery is fire-and-forget: a publish reaches the members of the channel at
// the moment of the call, at most once each, and nothing is persisted. A single
// mutex guards membership and enqueueing so that join, leave and publish are
// linearizable and each member sees events in publish order.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"transport-dispatch/events"
	"transport-dispatch/logger"
	"transport-dispatch/metrics"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already attached")
)

const defaultQueueSize = 64

// Member is one attached connection as seen by the hub.
type Member struct {
	id       string
	userID   string
	send     chan []byte
	channels map[string]struct{}
	closed   bool
}

func (m *Member) ID() string     { return m.id }
func (m *Member) UserID() string { return m.userID }

// Outbound yields the serialized frames queued for this member. The channel is
// closed when the member is detached or evicted.
func (m *Member) Outbound() <-chan []byte { return m.send }

type Hub struct {
	mu       sync.Mutex
	members  map[string]*Member
	channels map[string]map[string]*Member
	users    map[string]int

	queueSize int
	metrics   metrics.Recorder
	logger    *slog.Logger
}

type Option func(*Hub)

// WithQueueSize bounds each member's outbound queue. A member whose queue is
// full when a publish arrives is evicted.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.metrics = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger.OrDefault(l) }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		members:   make(map[string]*Member),
		channels:  make(map[string]map[string]*Member),
		users:     make(map[string]int),
		queueSize: defaultQueueSize,
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers a connection and returns its member handle.
func (h *Hub) Attach(connID, userID string) (*Member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[connID]; ok {
		return nil, ErrDuplicateConnection
	}
	m := &Member{
		id:       connID,
		userID:   userID,
		send:     make(chan []byte, h.queueSize),
		channels: make(map[string]struct{}),
	}
	h.members[connID] = m
	h.users[userID]++
	h.metrics.ConnectionOpened()
	return m, nil
}

// Detach removes the connection from every channel and closes its outbound
// queue. Detaching an unknown connection is a no-op.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[connID]; ok {
		h.removeLocked(m)
	}
}

func (h *Hub) removeLocked(m *Member) {
	for name := range m.channels {
		h.dropMembershipLocked(name, m.id)
	}
	m.channels = nil
	delete(h.members, m.id)
	if h.users[m.userID]--; h.users[m.userID] <= 0 {
		delete(h.users, m.userID)
	}
	if !m.closed {
		m.closed = true
		close(m.send)
	}
	h.metrics.ConnectionClosed()
}

func (h *Hub) dropMembershipLocked(channel, connID string) {
	set := h.channels[channel]
	delete(set, connID)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// Join adds the connection to channel. Joining twice is a no-op.
func (h *Hub) Join(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return ErrUnknownConnection
	}
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[string]*Member)
		h.channels[channel] = set
	}
	set[connID] = m
	m.channels[channel] = struct{}{}
	return nil
}

// Leave removes the connection from channel if it was a member.
func (h *Hub) Leave(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return
	}
	if _, joined := m.channels[channel]; !joined {
		return
	}
	delete(m.channels, channel)
	h.dropMembershipLocked(channel, connID)
}

// Publish sends {event, data: payload} to every current member of channel.
// It returns an error only when payload cannot be serialized. A json.RawMessage
// payload is forwarded as is.
func (h *Hub) Publish(channel, event string, payload any) error {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, m := range h.channels[channel] {
		if h.enqueueLocked(m, frame) {
			delivered++
		}
	}
	h.metrics.EventPublished(event, delivered)
	return nil
}

// PublishEvent publishes a typed event.
func (h *Hub) PublishEvent(channel string, ev events.Event) error {
	return h.Publish(channel, ev.EventName(), ev)
}

// Send delivers a frame to a single connection regardless of channels.
func (h *Hub) Send(connID, event string, payload any) error {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.enqueueLocked(m, frame)
	return nil
}

// enqueueLocked never blocks. A member that cannot keep up is evicted so that
// the connections it shares channels with are not held back.
func (h *Hub) enqueueLocked(m *Member, frame []byte) bool {
	select {
	case m.send <- frame:
		return true
	default:
		h.logger.Warn("evicting slow hub member",
			slog.String("conn_id", m.id),
			slog.String("user_id", m.userID),
		)
		h.metrics.MessageDropped(metrics.DropSlowConsumer)
		h.removeLocked(m)
		return false
	}
}

// Members returns the number of connections joined to channel.
func (h *Hub) Members(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

// Channels lists the channels connID has joined, sorted.
func (h *Hub) Channels(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UserConnections counts the attached connections of userID.
func (h *Hub) UserConnections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.users[userID]
}

type wireFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func marshalFrame(event string, payload any) ([]byte, error) {
	b, err := json.Marshal(wireFrame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("hub: marshal %s: %w", event, err)
	}
	return b, nil
}
