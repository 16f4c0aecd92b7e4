// Package agent is the client side of the channel hub: it keeps a connection
// up across drops, queues outbound frames while disconnected and hands decoded
// inbound events to typed listeners.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"transport-dispatch/events"
	"transport-dispatch/logger"
)

var ErrClosed = errors.New("agent closed")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

type Config struct {
	// ReconnectDelay is the constant wait between reconnect attempts.
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	// QueueCap bounds the outbound queue. The oldest frame is dropped on overflow.
	QueueCap int
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 2 * time.Second,
		DialTimeout:    10 * time.Second,
		QueueCap:       256,
	}
}

type Option func(*Agent)

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger.OrDefault(l) }
}

// WithDropHook is called with every frame discarded by queue overflow.
func WithDropHook(fn func(frame []byte)) Option {
	return func(a *Agent) { a.onDrop = fn }
}

type Agent struct {
	dialer  Dialer
	cfg     Config
	logger  *slog.Logger
	emitter *Emitter
	onDrop  func([]byte)

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64
	done     chan struct{}
	wake     chan struct{}
	retry    *time.Timer
	queue    [][]byte
	joined   []string
	dropped  int
	stateFns []func(State)
	dialing  *attempt
}

// attempt is one in-flight dial. err is set before done is closed.
type attempt struct {
	done chan struct{}
	err  error
}

func New(d Dialer, cfg Config, opts ...Option) *Agent {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = def.QueueCap
	}
	a := &Agent{
		dialer: d,
		cfg:    cfg,
		logger: slog.Default(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.emitter = NewEmitter(a.logger)
	return a
}

// Events is the emitter inbound events are delivered to.
func (a *Agent) Events() *Emitter { return a.emitter }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnStateChange registers fn to be told about every state transition.
func (a *Agent) OnStateChange(fn func(State)) {
	a.mu.Lock()
	a.stateFns = append(a.stateFns, fn)
	a.mu.Unlock()
}

// Pending is the number of frames waiting in the outbound queue.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Dropped counts frames discarded by queue overflow since New.
func (a *Agent) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Connect dials the hub and returns once the handshake completed or failed.
// If a background reconnect is already dialing, Connect waits for it and
// reports its outcome. After a failure the agent keeps retrying.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateClosed:
		a.mu.Unlock()
		return ErrClosed
	case StateConnected:
		a.mu.Unlock()
		return nil
	case StateConnecting:
		at := a.dialing
		a.mu.Unlock()
		if at == nil {
			return nil
		}
		select {
		case <-at.done:
			return at.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	at := a.beginAttemptLocked()
	fns := a.setStateLocked(StateConnecting)
	a.mu.Unlock()
	a.notify(fns, StateConnecting)

	err := a.dial(ctx)
	a.endAttempt(at, err)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			a.scheduleReconnect()
		}
		return err
	}
	return nil
}

func (a *Agent) beginAttemptLocked() *attempt {
	at := &attempt{done: make(chan struct{})}
	a.dialing = at
	return at
}

func (a *Agent) endAttempt(at *attempt, err error) {
	a.mu.Lock()
	at.err = err
	if a.dialing == at {
		a.dialing = nil
	}
	a.mu.Unlock()
	close(at.done)
}

func (a *Agent) dial(ctx context.Context) error {
	conn, err := a.dialer.Dial(ctx)

	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		fns := a.setStateLocked(StateDisconnected)
		a.mu.Unlock()
		a.notify(fns, StateDisconnected)
		a.logger.Warn("hub connect failed", slog.String("error", err.Error()))
		return fmt.Errorf("agent: connect: %w", err)
	}

	a.gen++
	gen := a.gen
	a.conn = conn
	a.done = make(chan struct{})
	a.wake = make(chan struct{}, 1)
	if len(a.joined) > 0 {
		rejoin := make([][]byte, 0, len(a.joined)+len(a.queue))
		for _, ch := range a.joined {
			raw, _ := json.Marshal(events.JoinFrame(ch))
			rejoin = append(rejoin, raw)
		}
		a.queue = append(rejoin, a.queue...)
	}
	done, wake := a.done, a.wake
	fns := a.setStateLocked(StateConnected)
	pending := len(a.queue)
	a.mu.Unlock()

	a.logger.Info("hub connected", slog.Uint64("generation", gen), slog.Int("pending", pending))
	a.notify(fns, StateConnected)

	go a.readLoop(gen, conn)
	go a.writeLoop(gen, conn, done, wake)
	return nil
}

func (a *Agent) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			a.connectionLost(gen, err)
			return
		}
		a.dispatch(raw)
	}
}

func (a *Agent) writeLoop(gen uint64, conn Conn, done, wake <-chan struct{}) {
	for {
		a.mu.Lock()
		if a.gen != gen || a.conn == nil {
			a.mu.Unlock()
			return
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-done:
				return
			}
		}
		frame := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if err := conn.WriteMessage(frame); err != nil {
			a.mu.Lock()
			if a.gen == gen {
				a.queue = append([][]byte{frame}, a.queue...)
			}
			a.mu.Unlock()
			a.connectionLost(gen, err)
			return
		}
	}
}

func (a *Agent) connectionLost(gen uint64, cause error) {
	a.mu.Lock()
	if a.gen != gen || a.conn == nil || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.conn.Close()
	a.conn = nil
	close(a.done)
	fns := a.setStateLocked(StateDisconnected)
	a.mu.Unlock()

	a.logger.Warn("hub connection lost", slog.Uint64("generation", gen), slog.String("error", cause.Error()))
	a.notify(fns, StateDisconnected)
	a.scheduleReconnect()
}

func (a *Agent) scheduleReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed || a.retry != nil {
		return
	}
	a.retry = time.AfterFunc(a.cfg.ReconnectDelay, a.reconnect)
}

func (a *Agent) reconnect() {
	a.mu.Lock()
	a.retry = nil
	if a.state != StateDisconnected {
		a.mu.Unlock()
		return
	}
	at := a.beginAttemptLocked()
	fns := a.setStateLocked(StateConnecting)
	a.mu.Unlock()
	a.notify(fns, StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
	defer cancel()
	err := a.dial(ctx)
	a.endAttempt(at, err)
	if err != nil && !errors.Is(err, ErrClosed) {
		a.scheduleReconnect()
	}
}

func (a *Agent) dispatch(raw []byte) {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		a.logger.Warn("dropping malformed hub frame", slog.String("error", err.Error()))
		return
	}
	ev, err := events.Decode(env)
	if err != nil {
		a.logger.Warn("dropping malformed event", slog.String("event", env.Event), slog.String("error", err.Error()))
		return
	}
	if _, unknown := ev.(events.Unknown); unknown {
		a.logger.Debug("ignoring unknown event", slog.String("event", env.Event))
		return
	}
	a.emitter.Emit(ev)
}

// Send queues a client frame. It never blocks on the network.
func (a *Agent) Send(f events.ClientFrame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("agent: marshal frame: %w", err)
	}
	return a.enqueue(raw)
}

func (a *Agent) enqueue(raw []byte) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	var dropped []byte
	if len(a.queue) >= a.cfg.QueueCap {
		dropped = a.queue[0]
		a.queue = a.queue[1:]
		a.dropped++
	}
	a.queue = append(a.queue, raw)
	if a.wake != nil {
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
	onDrop := a.onDrop
	a.mu.Unlock()

	if dropped != nil {
		a.logger.Warn("outbound queue full, dropped oldest frame", slog.Int("queue_cap", a.cfg.QueueCap))
		if onDrop != nil {
			onDrop(dropped)
		}
	}
	return nil
}

// Publish queues ev for channel.
func (a *Agent) Publish(channel string, ev events.Event) error {
	f, err := events.PublishFrame(channel, ev)
	if err != nil {
		return err
	}
	return a.Send(f)
}

// Join subscribes to channel now if connected, and again after every
// reconnect.
func (a *Agent) Join(channel string) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	known := false
	for _, ch := range a.joined {
		if ch == channel {
			known = true
			break
		}
	}
	if !known {
		a.joined = append(a.joined, channel)
	}
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected {
		return nil
	}
	return a.Send(events.JoinFrame(channel))
}

func (a *Agent) Leave(channel string) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	for i, ch := range a.joined {
		if ch == channel {
			a.joined = append(a.joined[:i], a.joined[i+1:]...)
			break
		}
	}
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected {
		return nil
	}
	return a.Send(events.LeaveFrame(channel))
}

// Joined lists the channels re-joined on reconnect.
func (a *Agent) Joined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.joined...)
}

// Close tears down the connection and stops reconnecting. Queued frames are
// discarded.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return nil
	}
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	var err error
	if a.conn != nil {
		err = a.conn.Close()
		a.conn = nil
		close(a.done)
	}
	a.queue = nil
	fns := a.setStateLocked(StateClosed)
	a.mu.Unlock()

	a.notify(fns, StateClosed)
	return err
}

func (a *Agent) setStateLocked(s State) []func(State) {
	if a.state == s {
		return nil
	}
	a.state = s
	return slices.Clone(a.stateFns)
}

func (a *Agent) notify(fns []func(State), s State) {
	for _, fn := range fns {
		fn(s)
	}
}
