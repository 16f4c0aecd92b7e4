package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"transport-dispatch/auth"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Verifier *auth.Verifier
	// Websocket serves /ws and authenticates on its own.
	Websocket      http.Handler
	Metrics        http.Handler
	Checks         map[string]HealthCheck
	AllowedOrigins []string
	Logger         *slog.Logger
}

func RegisterRoutes(h *Handler, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", healthz(cfg.Checks)).Methods("GET")
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods("GET")
	}
	if cfg.Websocket != nil {
		router.Handle("/ws", cfg.Websocket).Methods("GET")
	}

	authed := router.NewRoute().Subrouter()
	authed.Use(cfg.Verifier.Middleware)

	// Trip endpoints
	authed.HandleFunc("/trips", h.RequestTransport).Methods("POST")
	authed.HandleFunc("/trips/{trip_id}", h.GetTrip).Methods("GET")
	authed.HandleFunc("/trips/{trip_id}/accept", h.AcceptTrip).Methods("POST")
	authed.HandleFunc("/trips/{trip_id}/advance", h.AdvanceTrip).Methods("POST")
	authed.HandleFunc("/trips/{trip_id}/cancel", h.CancelTrip).Methods("POST")

	// Driver endpoints
	authed.HandleFunc("/drivers/{driver_id}", h.GetDriver).Methods("GET")
	authed.HandleFunc("/drivers/{driver_id}/status", h.DriverStatusUpdate).Methods("PUT")
	authed.HandleFunc("/drivers/{driver_id}/location", h.UpdateDriverLocation).Methods("PUT")

	authed.HandleFunc("/estimate", h.Estimate).Methods("POST")

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	var out http.Handler = cors(router)
	if cfg.Logger != nil {
		out = accessLog(cfg.Logger, out)
	}
	return out
}

func healthz(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": result})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// accessLog skips /ws: the hijacked connection needs the raw writer.
func accessLog(l *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		l.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
