// Package notify raises the audible and system-level alert a driver gets when
// a transport request arrives.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"transport-dispatch/agent"
	"transport-dispatch/events"
	"transport-dispatch/logger"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Shown is a notification currently on screen.
type Shown interface {
	Clicked() <-chan struct{}
	Close()
}

// System is the platform notification facility.
type System interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(title, body string) (Shown, error)
	// Focus brings the application to the foreground.
	Focus()
}

type Sound interface {
	Play() error
}

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger.OrDefault(l) }
}

func WithDismissAfter(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.dismissAfter = d
		}
	}
}

type Notifier struct {
	sys          System
	sound        Sound
	dismissAfter time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	asked  bool
	wg     sync.WaitGroup
	active map[Shown]struct{}
}

func New(sys System, sound Sound, opts ...Option) *Notifier {
	n := &Notifier{
		sys:          sys,
		sound:        sound,
		dismissAfter: 10 * time.Second,
		logger:       slog.Default(),
		active:       make(map[Shown]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RequestPermission prompts the user unless a prompt was already made or the
// choice is already recorded.
func (n *Notifier) RequestPermission(ctx context.Context) Permission {
	current := n.sys.Permission()
	if current != PermissionDefault {
		return current
	}
	n.mu.Lock()
	if n.asked {
		n.mu.Unlock()
		return current
	}
	n.asked = true
	n.mu.Unlock()

	p, err := n.sys.RequestPermission(ctx)
	if err != nil {
		n.logger.Warn("notification permission request failed", slog.String("error", err.Error()))
		return n.sys.Permission()
	}
	return p
}

// Notify plays the alert sound and, with permission, shows a notification.
// Clicking it focuses the app and calls onClick. Neither failure is returned.
func (n *Notifier) Notify(ctx context.Context, title, body string, onClick func()) {
	n.playSound()

	if n.RequestPermission(ctx) != PermissionGranted {
		return
	}
	shown, err := n.sys.Show(title, body)
	if err != nil {
		n.logger.Warn("show notification failed", slog.String("error", err.Error()))
		return
	}

	n.mu.Lock()
	n.active[shown] = struct{}{}
	n.mu.Unlock()

	n.wg.Add(1)
	go n.await(shown, onClick)
}

func (n *Notifier) await(shown Shown, onClick func()) {
	defer n.wg.Done()
	timer := time.NewTimer(n.dismissAfter)
	defer timer.Stop()

	select {
	case <-shown.Clicked():
		n.sys.Focus()
		if onClick != nil {
			onClick()
		}
	case <-timer.C:
	}
	shown.Close()

	n.mu.Lock()
	delete(n.active, shown)
	n.mu.Unlock()
}

func (n *Notifier) playSound() {
	if n.sound == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Warn("alert sound panicked", slog.Any("panic", rec))
		}
	}()
	if err := n.sound.Play(); err != nil {
		n.logger.Debug("alert sound failed", slog.String("error", err.Error()))
	}
}

// Active is the number of notifications still on screen.
func (n *Notifier) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.active)
}

// Wait blocks until every shown notification was clicked or dismissed.
func (n *Notifier) Wait() { n.wg.Wait() }

// BindTransportRequests alerts the driver for every transport_request on
// emitter. onClick receives the request that was clicked.
func BindTransportRequests(e *agent.Emitter, n *Notifier, onClick func(events.TransportRequest)) (off func()) {
	return agent.Subscribe(e, func(req events.TransportRequest) {
		title := fmt.Sprintf("New %s request", req.VehicleType)
		body := fmt.Sprintf("%.1f km, about %.0f min, K%.2f", req.DistanceKm, req.DurationMin, req.PriceEstimateZmw)
		if req.Pickup.Address != "" {
			body = req.Pickup.Address + ": " + body
		}
		n.Notify(context.Background(), title, body, func() {
			if onClick != nil {
				onClick(req)
			}
		})
	})
}

// TerminalBell rings the terminal bell on W.
type TerminalBell struct{ W io.Writer }

func (b TerminalBell) Play() error {
	_, err := b.W.Write([]byte("\a"))
	return err
}

// LogSystem shows notifications as log lines. Permission is always granted and
// a notification is never clicked.
type LogSystem struct {
	Logger *slog.Logger
}

func (s LogSystem) Permission() Permission { return PermissionGranted }

func (s LogSystem) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (s LogSystem) Show(title, body string) (Shown, error) {
	logger.OrDefault(s.Logger).Info("notification", slog.String("title", title), slog.String("body", body))
	return &logShown{clicked: make(chan struct{})}, nil
}

func (s LogSystem) Focus() {}

type logShown struct {
	clicked chan struct{}
}

func (l *logShown) Clicked() <-chan struct{} { return l.clicked }
func (l *logShown) Close()                   {}
