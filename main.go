package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"transport-dispatch/api"
	"transport-dispatch/auth"
	"transport-dispatch/cache"
	"transport-dispatch/config"
	"transport-dispatch/database"
	"transport-dispatch/fare"
	"transport-dispatch/hub"
	"transport-dispatch/logger"
	"transport-dispatch/matching"
	"transport-dispatch/metrics"
	"transport-dispatch/migration"
	"transport-dispatch/models"
	"transport-dispatch/presence"
	"transport-dispatch/trips"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default ./config.yaml)")
	migrate := pflag.Bool("migrate", false, "apply database migrations before serving")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	l := logger.SetupDefault(os.Stdout, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrate, l); err != nil {
		l.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, migrate bool, l *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)
	checks := map[string]api.HealthCheck{}

	var tripStore trips.Store = trips.NewMemoryStore()
	if cfg.Store.Trips == config.BackendPostgres {
		db, err := database.Connect(ctx, cfg.DB, l)
		if err != nil {
			return err
		}
		defer db.Close()
		if migrate {
			if err := migration.Run(cfg.Migrations.Path, database.URL(cfg.DB), l); err != nil {
				return err
			}
		}
		tripStore = database.NewTripStore(db)
		checks["postgres"] = pingDB(db)
	}

	var presenceStore presence.Store = presence.NewMemoryStore(cfg.Presence.StaleAfter)
	if cfg.Store.Presence == config.BackendRedis {
		if err := cache.InitializeRedis(ctx, cfg.Redis, l); err != nil {
			return err
		}
		rdb := cache.GetRedisClient()
		defer rdb.Close()
		presenceStore = presence.NewRedisStore(rdb, cfg.Presence.StaleAfter)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	presenceSvc := presence.NewService(presenceStore, l)

	h := hub.New(hub.WithQueueSize(cfg.Hub.QueueSize), hub.WithMetrics(rec), hub.WithLogger(l))
	ws := hub.NewServer(h, verifier, hub.ServerConfig{
		PingInterval:    cfg.Hub.PingInterval,
		PongWait:        cfg.Hub.PongWait,
		WriteWait:       cfg.Hub.WriteWait,
		MaxMessageBytes: cfg.Hub.MaxMessageBytes,
		FrameRate:       cfg.Hub.FrameRate,
		FrameBurst:      cfg.Hub.FrameBurst,
	},
		hub.WithInterceptor(presenceSvc.Intercept),
		hub.WithDisconnectHook(presenceSvc.Disconnected),
		hub.WithServerLogger(l),
		hub.WithServerMetrics(rec),
	)

	card := rateCard(cfg.Fare)
	matcher := matching.NewMatcher(presenceStore,
		matching.WithRadius(cfg.Dispatch.RadiusKm),
		matching.WithLimit(cfg.Dispatch.MaxDrivers),
	)
	controller := trips.NewController(tripStore, card, matcher, h,
		trips.Config{MatchTimeout: cfg.Dispatch.MatchTimeout},
		trips.WithLogger(l),
		trips.WithMetrics(rec),
	)
	defer controller.Close()

	router := api.RegisterRoutes(api.NewHandler(controller, presenceSvc, card, l), api.RouterConfig{
		Verifier:       verifier,
		Websocket:      ws,
		Metrics:        metrics.Handler(reg),
		Checks:         checks,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         l,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		l.Info("server started",
			slog.String("addr", cfg.Server.Addr),
			slog.String("trips_store", cfg.Store.Trips),
			slog.String("presence_store", cfg.Store.Presence),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func pingDB(db *sql.DB) api.HealthCheck {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// rateCard overlays configured rates on the defaults.
func rateCard(cfg config.FareConfig) fare.RateCard {
	card := fare.DefaultRateCard()
	for name, r := range cfg.Rates {
		vt := models.VehicleType(strings.ToUpper(name))
		if !vt.Valid() {
			slog.Warn("ignoring rate for unknown vehicle type", slog.String("vehicle_type", name))
			continue
		}
		card.Rates[vt] = fare.Rate{Base: r.Base, PerKm: r.PerKm, PerMin: r.PerMin}
	}
	if cfg.RoadFactor > 0 {
		card.RoadFactor = cfg.RoadFactor
	}
	if cfg.AvgSpeedKmh > 0 {
		card.AvgSpeedKmh = cfg.AvgSpeedKmh
	}
	if cfg.MinimumZmw > 0 {
		card.MinimumZmw = cfg.MinimumZmw
	}
	return card
}
