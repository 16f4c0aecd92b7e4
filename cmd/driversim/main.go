// Command driversim runs one simulated driver against a dispatch server: it
// connects over the websocket, goes online, streams a drifting position and,
// with --auto-accept, accepts offers and drives them to completion.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"transport-dispatch/agent"
	"transport-dispatch/auth"
	"transport-dispatch/config"
	"transport-dispatch/events"
	"transport-dispatch/logger"
	"transport-dispatch/models"
	"transport-dispatch/notify"
	"transport-dispatch/tracker"
	"transport-dispatch/trips"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default ./config.yaml)")
	driverID := pflag.String("driver-id", "driver-1", "driver id to authenticate as")
	vehicle := pflag.String("vehicle", "CAR", "vehicle type: BIKE, CAR, VAN or TRUCK")
	lat := pflag.Float64("lat", -15.4167, "starting latitude")
	lng := pflag.Float64("lng", 28.2833, "starting longitude")
	apiURL := pflag.String("api", "http://localhost:8080", "dispatch HTTP API base URL")
	autoAccept := pflag.Bool("auto-accept", false, "accept every offer and complete it")
	legDelay := pflag.Duration("leg-delay", 10*time.Second, "time between trip status changes when auto accepting")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	l := logger.SetupDefault(os.Stdout, cfg.Log.Level).With(slog.String("driver_id", *driverID))

	vt, err := models.ParseVehicleType(*vehicle)
	if err != nil {
		l.Error("bad vehicle", slog.String("error", err.Error()))
		os.Exit(1)
	}
	token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(*driverID, auth.RoleDriver, cfg.Auth.TokenTTL)
	if err != nil {
		l.Error("issuing token", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := &simulator{
		driverID:   *driverID,
		api:        newAPIClient(*apiURL, token),
		autoAccept: *autoAccept,
		legDelay:   *legDelay,
		logger:     l,
	}
	if err := sim.run(ctx, cfg, token, vt, models.Position{Lat: *lat, Lng: *lng}); err != nil {
		l.Error("simulator stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type simulator struct {
	driverID   string
	api        *apiClient
	autoAccept bool
	legDelay   time.Duration
	logger     *slog.Logger

	agent   *agent.Agent
	tracker *tracker.Tracker
}

func (s *simulator) run(ctx context.Context, cfg *config.Config, token string, vt models.VehicleType, start models.Position) error {
	s.agent = agent.New(&agent.WebsocketDialer{URL: cfg.Agent.URL, Token: token, WriteWait: cfg.Hub.WriteWait}, agent.Config{
		ReconnectDelay: cfg.Agent.ReconnectDelay,
		DialTimeout:    cfg.Agent.DialTimeout,
		QueueCap:       cfg.Agent.QueueCap,
	},
		agent.WithLogger(s.logger),
		agent.WithDropHook(func([]byte) { s.logger.Warn("outbound frame dropped") }),
	)
	defer s.agent.Close()

	src := &tracker.RandomWalk{Start: start, StepDeg: 0.0005, Every: time.Second}
	s.tracker = tracker.New(s.agent, src, tracker.Config{
		DriverID:    s.driverID,
		VehicleType: vt,
		Interval:    cfg.Presence.UpdateInterval,
		KeepAlive:   cfg.Presence.KeepAlive,
	},
		tracker.WithLogger(s.logger),
		tracker.WithPermissionDenied(func(err error) {
			s.logger.Error("location permission denied, driver is offline", slog.String("error", err.Error()))
		}),
	)

	notifier := notify.New(notify.LogSystem{Logger: s.logger}, notify.TerminalBell{W: os.Stderr},
		notify.WithLogger(s.logger),
		notify.WithDismissAfter(cfg.Notify.DismissAfter),
	)
	notifier.RequestPermission(ctx)
	defer notify.BindTransportRequests(s.agent.Events(), notifier, nil)()

	defer agent.Subscribe(s.agent.Events(), func(req events.TransportRequest) {
		if s.autoAccept {
			go s.take(ctx, req)
		}
	})()
	defer agent.Subscribe(s.agent.Events(), func(ev events.RequestTaken) {
		s.logger.Info("offer withdrawn", slog.String("trip_id", ev.TripID), slog.String("reason", ev.Reason))
	})()
	defer agent.Subscribe(s.agent.Events(), func(ev events.StatusChanged) {
		s.logger.Info("trip status", slog.String("trip_id", ev.TripID), slog.String("status", string(ev.Status)))
		if ev.Status.IsTerminal() {
			s.tracker.DetachTrip()
		}
	})()
	defer agent.Subscribe(s.agent.Events(), func(ev events.Error) {
		s.logger.Warn("hub refused frame", slog.String("code", ev.Code), slog.String("message", ev.Message))
	})()

	// Losing the connection takes the driver offline; the simulator goes
	// back online on every reconnect.
	s.agent.OnStateChange(func(st agent.State) {
		if st != agent.StateConnected {
			return
		}
		if err := s.tracker.GoOnline(ctx); err != nil {
			s.logger.Warn("going online", slog.String("error", err.Error()))
		}
	})

	if err := s.agent.Join(events.DriverChannel(s.driverID)); err != nil {
		return err
	}
	if err := s.agent.Connect(ctx); err != nil {
		// The agent keeps retrying in the background.
		s.logger.Warn("initial connect failed", slog.String("error", err.Error()))
	}

	<-ctx.Done()
	if err := s.tracker.GoOffline(); err != nil {
		s.logger.Warn("going offline", slog.String("error", err.Error()))
	}
	// Give the writer a moment to flush the offline announcement.
	time.Sleep(200 * time.Millisecond)
	return nil
}

// take accepts an offer and walks the trip through to completion.
func (s *simulator) take(ctx context.Context, req events.TransportRequest) {
	l := s.logger.With(slog.String("trip_id", req.TripID))
	trip, err := s.api.accept(ctx, req.TripID)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == string(trips.CodeRequestAlreadyTaken) {
			l.Info("offer lost to another driver")
			return
		}
		l.Error("accept failed", slog.String("error", err.Error()))
		return
	}
	l.Info("offer accepted", slog.Float64("locked_price_zmw", *trip.LockedPriceZmw))
	s.tracker.AttachTrip(trip.ID, trip.TenantID)

	for _, next := range []models.TripStatus{models.StatusDriverArriving, models.StatusInProgress, models.StatusCompleted} {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.legDelay):
		}
		if _, err := s.api.advance(ctx, trip.ID, next); err != nil {
			l.Warn("advance failed", slog.String("to", string(next)), slog.String("error", err.Error()))
			s.tracker.DetachTrip()
			return
		}
	}
	s.tracker.DetachTrip()
}
