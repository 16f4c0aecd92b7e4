// Package metrics exposes prometheus collectors for the hub and the trip
// lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the hub and the lifecycle controller report into.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	EventPublished(event string, recipients int)
	MessageDropped(reason string)
	AcceptOutcome(outcome string)
	TripTransition(status string)
}

const (
	DropSlowConsumer = "slow_consumer"
	DropRateLimited  = "rate_limited"
	DropMalformed    = "malformed"
	DropRefused      = "refused"

	AcceptWon  = "won"
	AcceptLost = "lost"
)

// Collector is the prometheus backed Recorder.
type Collector struct {
	connections prometheus.Gauge
	published   *prometheus.CounterVec
	deliveries  prometheus.Counter
	dropped     *prometheus.CounterVec
	accepts     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_hub_connections",
			Help: "Open hub connections.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_hub_published_total",
			Help: "Events published through the hub, by event name.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_hub_deliveries_total",
			Help: "Per-member deliveries enqueued by the hub.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_hub_dropped_total",
			Help: "Frames or deliveries dropped, by reason.",
		}, []string{"reason"}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_accept_total",
			Help: "Accept attempts, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_trip_transitions_total",
			Help: "Trip status transitions, by target status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.connections,
		c.published,
		c.deliveries,
		c.dropped,
		c.accepts,
		c.transitions,
	)
	return c
}

func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }

func (c *Collector) EventPublished(event string, recipients int) {
	c.published.WithLabelValues(event).Inc()
	c.deliveries.Add(float64(recipients))
}

func (c *Collector) MessageDropped(reason string) { c.dropped.WithLabelValues(reason).Inc() }
func (c *Collector) AcceptOutcome(outcome string) { c.accepts.WithLabelValues(outcome).Inc() }
func (c *Collector) TripTransition(status string) { c.transitions.WithLabelValues(status).Inc() }

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed() {}
func (Nop) EventPublished(string, int) {}
func (Nop) MessageDropped(string) {}
func (Nop) AcceptOutcome(string) {}
func (Nop) TripTransition(string) {}

// Handler serves the registry for prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
