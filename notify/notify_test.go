package notify

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transport-dispatch/agent"
	"transport-dispatch/events"
	"transport-dispatch/models"
)

type fakeShown struct {
	clicked chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newFakeShown() *fakeShown {
	return &fakeShown{clicked: make(chan struct{}), closed: make(chan struct{})}
}

func (s *fakeShown) Clicked() <-chan struct{} { return s.clicked }
func (s *fakeShown) Close()                   { s.once.Do(func() { close(s.closed) }) }

// fakeSystem records calls; answer is what the user picks when prompted.
type fakeSystem struct {
	mu      sync.Mutex
	perm    Permission
	answer  Permission
	prompts int
	shown   []*fakeShown
	titles  []string
	focused int
	showErr error
}

func (s *fakeSystem) Permission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perm
}

func (s *fakeSystem) RequestPermission(context.Context) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts++
	s.perm = s.answer
	return s.perm, nil
}

func (s *fakeSystem) Show(title, body string) (Shown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.showErr != nil {
		return nil, s.showErr
	}
	sh := newFakeShown()
	s.shown = append(s.shown, sh)
	s.titles = append(s.titles, title)
	return sh, nil
}

func (s *fakeSystem) Focus() {
	s.mu.Lock()
	s.focused++
	s.mu.Unlock()
}

type soundFunc func() error

func (f soundFunc) Play() error { return f() }

func TestPermissionRequestedAtMostOnce(t *testing.T) {
	sys := &fakeSystem{perm: PermissionDefault, answer: PermissionDefault}
	n := New(sys, nil)

	for i := 0; i < 3; i++ {
		n.Notify(context.Background(), "t", "b", nil)
	}
	if got := n.RequestPermission(context.Background()); got != PermissionDefault {
		t.Fatalf("permission = %s", got)
	}
	if sys.prompts != 1 {
		t.Fatalf("prompts = %d, want 1", sys.prompts)
	}
	if len(sys.shown) != 0 {
		t.Fatal("nothing may be shown without permission")
	}
}

func TestDeniedPermissionIsRespected(t *testing.T) {
	sys := &fakeSystem{perm: PermissionDenied}
	played := 0
	n := New(sys, soundFunc(func() error { played++; return nil }))

	n.Notify(context.Background(), "t", "b", nil)
	if sys.prompts != 0 || len(sys.shown) != 0 {
		t.Fatalf("prompts=%d shown=%d", sys.prompts, len(sys.shown))
	}
	if played != 1 {
		t.Fatal("sound plays regardless of permission")
	}
}

func TestClickFocusesAndCallsBack(t *testing.T) {
	sys := &fakeSystem{perm: PermissionDefault, answer: PermissionGranted}
	n := New(sys, nil, WithDismissAfter(time.Minute))

	clicked := make(chan struct{})
	n.Notify(context.Background(), "New VAN request", "b", func() { close(clicked) })
	if len(sys.shown) != 1 {
		t.Fatalf("shown = %d", len(sys.shown))
	}
	close(sys.shown[0].clicked)

	select {
	case <-clicked:
	case <-time.After(2 * time.Second):
		t.Fatal("onClick not called")
	}
	n.Wait()
	if sys.focused != 1 {
		t.Fatalf("focused = %d", sys.focused)
	}
	if n.Active() != 0 {
		t.Fatal("clicked notification must be closed")
	}
}

func TestAutoDismiss(t *testing.T) {
	sys := &fakeSystem{perm: PermissionGranted}
	n := New(sys, nil, WithDismissAfter(20*time.Millisecond))

	called := false
	n.Notify(context.Background(), "t", "b", func() { called = true })
	n.Wait()

	select {
	case <-sys.shown[0].closed:
	default:
		t.Fatal("notification not dismissed")
	}
	if called || sys.focused != 0 {
		t.Fatal("dismissal is not a click")
	}
}

func TestSoundFailuresAreSwallowed(t *testing.T) {
	sys := &fakeSystem{perm: PermissionGranted}
	n := New(sys, soundFunc(func() error { panic("autoplay blocked") }), WithDismissAfter(time.Millisecond))
	n.Notify(context.Background(), "t", "b", nil)

	n = New(sys, soundFunc(func() error { return errors.New("no audio device") }), WithDismissAfter(time.Millisecond))
	n.Notify(context.Background(), "t", "b", nil)
	n.Wait()

	if len(sys.shown) != 2 {
		t.Fatalf("shown = %d, want 2", len(sys.shown))
	}
}

func TestShowErrorIsLogged(t *testing.T) {
	sys := &fakeSystem{perm: PermissionGranted, showErr: errors.New("quota")}
	n := New(sys, nil)
	n.Notify(context.Background(), "t", "b", nil)
	if n.Active() != 0 {
		t.Fatal("failed show must not be tracked")
	}
}

func TestBindTransportRequests(t *testing.T) {
	sys := &fakeSystem{perm: PermissionGranted}
	n := New(sys, nil, WithDismissAfter(time.Minute))
	e := agent.NewEmitter(nil)

	var got events.TransportRequest
	off := BindTransportRequests(e, n, func(req events.TransportRequest) { got = req })
	defer off()

	e.Emit(events.TransportRequest{TripID: "t1", VehicleType: models.VehicleVan, DistanceKm: 4.2})
	if len(sys.titles) != 1 || sys.titles[0] != "New VAN request" {
		t.Fatalf("titles = %v", sys.titles)
	}
	close(sys.shown[0].clicked)
	n.Wait()
	if got.TripID != "t1" {
		t.Fatalf("onClick request = %+v", got)
	}
}

func TestTerminalBell(t *testing.T) {
	var buf bytes.Buffer
	if err := (TerminalBell{W: &buf}).Play(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "\a" {
		t.Fatalf("wrote %q", buf.String())
	}
}
