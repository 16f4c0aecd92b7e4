package trips

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transport-dispatch/events"
	"transport-dispatch/fare"
	"transport-dispatch/matching"
	"transport-dispatch/models"
	"transport-dispatch/presence"
)

type published struct {
	channel string
	event   events.Event
}

type recorder struct {
	mu   sync.Mutex
	sent []published
}

func (r *recorder) PublishEvent(channel string, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, published{channel: channel, event: ev})
	return nil
}

func (r *recorder) on(channel string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, p := range r.sent {
		if p.channel == channel {
			out = append(out, p.event)
		}
	}
	return out
}

func named[T events.Event](evs []events.Event) []T {
	var out []T
	for _, ev := range evs {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

var (
	lusaka  = models.Location{Lat: -15.4167, Lng: 28.2833}
	kabwata = models.Location{Lat: -15.4450, Lng: 28.3100}
)

type harness struct {
	ctl      *Controller
	store    *MemoryStore
	presence *presence.MemoryStore
	pub      *recorder
}

func newHarness(t *testing.T, cfg Config, online map[string]models.VehicleType) *harness {
	t.Helper()
	ps := presence.NewMemoryStore(0)
	for id, vt := range online {
		pos := &models.Position{Lat: lusaka.Lat, Lng: lusaka.Lng}
		if err := ps.Upsert(context.Background(), models.DriverPresence{DriverID: id, VehicleType: vt, Online: true, Position: pos}); err != nil {
			t.Fatal(err)
		}
	}
	h := &harness{store: NewMemoryStore(), presence: ps, pub: &recorder{}}
	n := 0
	h.ctl = NewController(h.store, fare.DefaultRateCard(), matching.NewMatcher(ps), h.pub, cfg)
	h.ctl.newID = func() string {
		n++
		return fmt.Sprintf("trip-%d", n)
	}
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) request(t *testing.T, vt models.VehicleType) CreateResult {
	t.Helper()
	res, err := h.ctl.Create(context.Background(), CreateRequest{
		TenantID:    "T1",
		Pickup:      lusaka,
		Dropoff:     kabwata,
		VehicleType: vt,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func TestVanRequestFirstAcceptWins(t *testing.T) {
	h := newHarness(t, Config{}, map[string]models.VehicleType{
		"D1": models.VehicleVan,
		"D2": models.VehicleVan,
		"C1": models.VehicleCar,
	})
	res := h.request(t, models.VehicleVan)
	if len(res.Recipients) != 2 {
		t.Fatalf("recipients = %v, want D1 and D2", res.Recipients)
	}
	for _, id := range []string{"D1", "D2"} {
		offers := named[events.TransportRequest](h.pub.on(events.DriverChannel(id)))
		if len(offers) != 1 || offers[0].TripID != res.Trip.ID {
			t.Fatalf("%s offers = %+v", id, offers)
		}
	}
	if got := h.pub.on(events.DriverChannel("C1")); len(got) != 0 {
		t.Fatalf("car driver got %v", got)
	}

	ctx := context.Background()
	trip, err := h.ctl.Accept(ctx, res.Trip.ID, "D1")
	if err != nil {
		t.Fatalf("D1 accept: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := h.ctl.Accept(ctx, res.Trip.ID, "D2"); !errors.Is(err, ErrRequestAlreadyTaken) {
		t.Fatalf("D2 accept err = %v, want already taken", err)
	}

	if trip.Status != models.StatusDriverAssigned || !trip.IsAssignedTo("D1") {
		t.Fatalf("trip = %+v", trip)
	}
	if trip.LockedPriceZmw == nil || *trip.LockedPriceZmw != res.Trip.PriceEstimateZmw {
		t.Fatalf("locked price = %v, want %v", trip.LockedPriceZmw, res.Trip.PriceEstimateZmw)
	}

	confirmed := named[events.BookingConfirmed](h.pub.on(events.TenantChannel("T1")))
	if len(confirmed) != 1 || confirmed[0].DriverID != "D1" {
		t.Fatalf("booking confirmations = %+v", confirmed)
	}
	taken := named[events.RequestTaken](h.pub.on(events.DriverChannel("D2")))
	if len(taken) != 1 || taken[0].Reason != events.TakenAccepted {
		t.Fatalf("D2 retractions = %+v", taken)
	}
	if got := named[events.RequestTaken](h.pub.on(events.DriverChannel("D1"))); len(got) != 0 {
		t.Fatalf("winner got retraction %+v", got)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	drivers := make(map[string]models.VehicleType)
	for i := 0; i < 32; i++ {
		drivers[fmt.Sprintf("D%d", i)] = models.VehicleCar
	}
	h := newHarness(t, Config{}, drivers)
	res := h.request(t, models.VehicleCar)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	start := make(chan struct{})
	for id := range drivers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := h.ctl.Accept(context.Background(), res.Trip.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrRequestAlreadyTaken):
				losers++
			default:
				t.Errorf("accept %s: %v", id, err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || losers != len(drivers)-1 {
		t.Fatalf("winners = %v, losers = %d", winners, losers)
	}
	stored, err := h.store.Get(context.Background(), res.Trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsAssignedTo(winners[0]) {
		t.Fatalf("stored driver = %v, want %s", *stored.AssignedDriverID, winners[0])
	}
	if got := named[events.BookingConfirmed](h.pub.on(events.TenantChannel("T1"))); len(got) != 1 {
		t.Fatalf("booking confirmations = %d, want 1", len(got))
	}
}

func TestAdvanceFollowsLifecycle(t *testing.T) {
	h := newHarness(t, Config{}, map[string]models.VehicleType{"D1": models.VehicleBike})
	ctx := context.Background()
	res := h.request(t, models.VehicleBike)
	if _, err := h.ctl.Accept(ctx, res.Trip.ID, "D1"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ctl.Advance(ctx, res.Trip.ID, "D1", models.StatusInProgress); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skip to IN_PROGRESS err = %v", err)
	}
	if _, err := h.ctl.Advance(ctx, res.Trip.ID, "D2", models.StatusDriverArriving); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance by other driver err = %v", err)
	}
	stored, _ := h.store.Get(ctx, res.Trip.ID)
	if stored.Status != models.StatusDriverAssigned {
		t.Fatalf("status after refused advances = %s", stored.Status)
	}

	for _, next := range []models.TripStatus{models.StatusDriverArriving, models.StatusInProgress, models.StatusCompleted} {
		trip, err := h.ctl.Advance(ctx, res.Trip.ID, "D1", next)
		if err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		if trip.Status != next {
			t.Fatalf("status = %s, want %s", trip.Status, next)
		}
	}
	trip, _ := h.store.Get(ctx, res.Trip.ID)
	if trip.ArrivingAt == nil || trip.StartedAt == nil || trip.CompletedAt == nil {
		t.Fatalf("missing timestamps: %+v", trip)
	}
	if _, err := h.ctl.Advance(ctx, res.Trip.ID, "D1", models.StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance past COMPLETED err = %v", err)
	}

	changes := named[events.StatusChanged](h.pub.on(events.TenantChannel("T1")))
	want := []models.TripStatus{models.StatusDriverAssigned, models.StatusDriverArriving, models.StatusInProgress, models.StatusCompleted}
	if len(changes) != len(want) {
		t.Fatalf("status changes = %+v", changes)
	}
	for i, c := range changes {
		if c.Status != want[i] {
			t.Errorf("change %d = %s, want %s", i, c.Status, want[i])
		}
	}
	if got := named[events.StatusChanged](h.pub.on(events.DriverChannel("D1"))); len(got) != len(want) {
		t.Fatalf("driver status changes = %d, want %d", len(got), len(want))
	}
}

func TestAcceptOnlyFromRequested(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	res := h.request(t, models.VehicleTruck)
	if len(res.Recipients) != 0 {
		t.Fatalf("recipients = %v, want none", res.Recipients)
	}
	if _, err := h.ctl.Cancel(ctx, res.Trip.ID, "T1", "changed plans"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctl.Accept(ctx, res.Trip.ID, "D9"); !errors.Is(err, ErrRequestAlreadyTaken) {
		t.Fatalf("accept cancelled err = %v", err)
	}
	if _, err := h.ctl.Accept(ctx, "missing", "D9"); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("accept missing err = %v", err)
	}
}

func TestOfflineDriverExcluded(t *testing.T) {
	h := newHarness(t, Config{}, map[string]models.VehicleType{
		"D1": models.VehicleVan,
		"D2": models.VehicleVan,
	})
	if err := h.presence.SetOffline(context.Background(), "D2"); err != nil {
		t.Fatal(err)
	}
	res := h.request(t, models.VehicleVan)
	if len(res.Recipients) != 1 || res.Recipients[0] != "D1" {
		t.Fatalf("recipients = %v", res.Recipients)
	}
	if got := h.pub.on(events.DriverChannel("D2")); len(got) != 0 {
		t.Fatalf("offline driver got %v", got)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("tenant cancels open request", func(t *testing.T) {
		h := newHarness(t, Config{}, map[string]models.VehicleType{"D1": models.VehicleCar})
		res := h.request(t, models.VehicleCar)
		trip, err := h.ctl.Cancel(ctx, res.Trip.ID, "T1", "too slow")
		if err != nil {
			t.Fatal(err)
		}
		if trip.Status != models.StatusCancelled || *trip.CancelledBy != "T1" || *trip.CancelReason != "too slow" {
			t.Fatalf("trip = %+v", trip)
		}
		taken := named[events.RequestTaken](h.pub.on(events.DriverChannel("D1")))
		if len(taken) != 1 || taken[0].Reason != events.TakenCancelled {
			t.Fatalf("retractions = %+v", taken)
		}
	})

	t.Run("driver cancels assigned trip", func(t *testing.T) {
		h := newHarness(t, Config{}, map[string]models.VehicleType{"D1": models.VehicleCar})
		res := h.request(t, models.VehicleCar)
		if _, err := h.ctl.Accept(ctx, res.Trip.ID, "D1"); err != nil {
			t.Fatal(err)
		}
		if _, err := h.ctl.Cancel(ctx, res.Trip.ID, "D1", ""); err != nil {
			t.Fatal(err)
		}
		changes := named[events.StatusChanged](h.pub.on(events.TenantChannel("T1")))
		last := changes[len(changes)-1]
		if last.Status != models.StatusCancelled || last.Previous != models.StatusDriverAssigned || last.ActorID != "D1" {
			t.Fatalf("last change = %+v", last)
		}
	})

	t.Run("stranger forbidden", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		res := h.request(t, models.VehicleCar)
		if _, err := h.ctl.Cancel(ctx, res.Trip.ID, "T2", ""); !errors.Is(err, ErrForbidden) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("terminal trip", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		res := h.request(t, models.VehicleCar)
		if _, err := h.ctl.Cancel(ctx, res.Trip.ID, "T1", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := h.ctl.Cancel(ctx, res.Trip.ID, "T1", ""); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("second cancel err = %v", err)
		}
	})
}

// racingStore advances the trip once underneath the first cancel attempt.
type racingStore struct {
	*MemoryStore
	once sync.Once
}

func (s *racingStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next models.TripStatus, patch models.Patch) (*models.Trip, error) {
	if next == models.StatusCancelled {
		raced := false
		s.once.Do(func() {
			_, _ = s.MemoryStore.CompareAndSwapStatus(ctx, id, expected, models.StatusDriverArriving, models.Patch{At: time.Now()})
			raced = true
		})
		if raced {
			return nil, models.ErrStatusMismatch
		}
	}
	return s.MemoryStore.CompareAndSwapStatus(ctx, id, expected, next, patch)
}

func TestCancelRetriesAfterConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	store := &racingStore{MemoryStore: mem}
	pub := &recorder{}
	ps := presence.NewMemoryStore(0)
	ctl := NewController(store, fare.DefaultRateCard(), matching.NewMatcher(ps), pub, Config{})
	defer ctl.Close()

	res, err := ctl.Create(ctx, CreateRequest{TenantID: "T1", Pickup: lusaka, Dropoff: kabwata, VehicleType: models.VehicleCar})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctl.Accept(ctx, res.Trip.ID, "D1"); err != nil {
		t.Fatal(err)
	}
	trip, err := ctl.Cancel(ctx, res.Trip.ID, "T1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if trip.Status != models.StatusCancelled || trip.ArrivingAt == nil {
		t.Fatalf("trip = %+v", trip)
	}
}

func TestUnacceptedRequestExpires(t *testing.T) {
	h := newHarness(t, Config{MatchTimeout: 30 * time.Millisecond}, map[string]models.VehicleType{"D1": models.VehicleBike})
	res := h.request(t, models.VehicleBike)
	offers := named[events.TransportRequest](h.pub.on(events.DriverChannel("D1")))
	if len(offers) != 1 || offers[0].ExpiresAt == nil {
		t.Fatalf("offers = %+v", offers)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		trip, err := h.store.Get(context.Background(), res.Trip.ID)
		if err != nil {
			t.Fatal(err)
		}
		if trip.Status == models.StatusCancelled {
			if *trip.CancelledBy != SystemActor {
				t.Fatalf("cancelled by %s", *trip.CancelledBy)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	taken := named[events.RequestTaken](h.pub.on(events.DriverChannel("D1")))
	if len(taken) != 1 || taken[0].Reason != events.TakenExpired {
		t.Fatalf("retractions = %+v", taken)
	}
	if _, err := h.ctl.Accept(context.Background(), res.Trip.ID, "D1"); !errors.Is(err, ErrRequestAlreadyTaken) {
		t.Fatalf("late accept err = %v", err)
	}
}

func TestAcceptStopsExpiry(t *testing.T) {
	h := newHarness(t, Config{MatchTimeout: 20 * time.Millisecond}, map[string]models.VehicleType{"D1": models.VehicleBike})
	res := h.request(t, models.VehicleBike)
	if _, err := h.ctl.Accept(context.Background(), res.Trip.ID, "D1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	trip, _ := h.store.Get(context.Background(), res.Trip.ID)
	if trip.Status != models.StatusDriverAssigned {
		t.Fatalf("status = %s", trip.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"no tenant", CreateRequest{Pickup: lusaka, Dropoff: kabwata, VehicleType: models.VehicleCar}},
		{"bad vehicle", CreateRequest{TenantID: "T1", Pickup: lusaka, Dropoff: kabwata, VehicleType: "BOAT"}},
		{"bad pickup", CreateRequest{TenantID: "T1", Pickup: models.Location{Lat: 91}, Dropoff: kabwata, VehicleType: models.VehicleCar}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.ctl.Create(context.Background(), tc.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err = %v", err)
			}
		})
	}
	if n := len(h.store.trips); n != 0 {
		t.Fatalf("stored %d trips", n)
	}
}

func TestViewAuthorization(t *testing.T) {
	h := newHarness(t, Config{}, map[string]models.VehicleType{"D1": models.VehicleCar, "D2": models.VehicleCar})
	ctx := context.Background()
	res := h.request(t, models.VehicleCar)

	for _, id := range []string{"T1", "D1", "D2"} {
		if _, err := h.ctl.View(ctx, res.Trip.ID, id); err != nil {
			t.Fatalf("view by %s: %v", id, err)
		}
	}
	if _, err := h.ctl.View(ctx, res.Trip.ID, "T2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger err = %v", err)
	}

	if _, err := h.ctl.Accept(ctx, res.Trip.ID, "D1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctl.View(ctx, res.Trip.ID, "D2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("losing driver err = %v", err)
	}
	if _, err := h.ctl.View(ctx, res.Trip.ID, "D1"); err != nil {
		t.Fatal(err)
	}
}

func TestRejectionMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", reject(CodeInvalidTransition, "from %s", models.StatusCompleted))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatal("code mismatch")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatal("matched wrong code")
	}
	var r *Rejection
	if !errors.As(err, &r) || r.Message != "from COMPLETED" {
		t.Fatalf("rejection = %+v", r)
	}
}

func TestOfferForgottenOnceTripLeavesRequested(t *testing.T) {
	h := newHarness(t, Config{}, map[string]models.VehicleType{"D1": models.VehicleCar, "D2": models.VehicleCar})
	ctx := context.Background()
	res := h.request(t, models.VehicleCar)

	// accepted elsewhere, bypassing this controller
	other, price := "D9", res.Trip.PriceEstimateZmw
	if _, err := h.store.CompareAndSwapStatus(ctx, res.Trip.ID, models.StatusRequested, models.StatusDriverAssigned, models.Patch{
		AssignedDriverID: &other,
		LockedPriceZmw:   &price,
		At:               time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ctl.View(ctx, res.Trip.ID, "D2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("offered driver err = %v after the trip was taken", err)
	}
	h.ctl.mu.Lock()
	defer h.ctl.mu.Unlock()
	if n := len(h.ctl.offers); n != 0 {
		t.Fatalf("%d offers still tracked", n)
	}
}
