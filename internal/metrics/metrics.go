package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSimulations prometheus.Gauge
	RetainedTrips     prometheus.Gauge
	Subscribers       prometheus.Gauge

	SimulationsStarted  prometheus.Counter
	SimulationsFinished prometheus.Counter
	CheckpointPauses    prometheus.Counter
	RoutingFallbacks    prometheus.Counter

	PublishesAccepted prometheus.Counter
	PublishesRejected *prometheus.CounterVec // reason label: unauthorized|missing_trip|invalid
	Broadcasts        prometheus.Counter
	Evictions         prometheus.Counter
	StaleResets       prometheus.Counter

	ETALegFailures prometheus.Counter
	RecorderDrops  prometheus.Counter
	RecorderErrors prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	SpeedMps     prometheus.Gauge
	TickInterval prometheus.Gauge // seconds
}

func NewCollector(speedMps float64, tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSimulations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcast_active_simulations",
			Help: "Number of currently running trip simulations.",
		}),
		RetainedTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcast_retained_trips",
			Help: "Number of trips with retained status in the channel registry.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcast_subscribers",
			Help: "Number of joined trip channel subscribers.",
		}),
		SimulationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_simulations_started_total",
			Help: "Total simulations started.",
		}),
		SimulationsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_simulations_finished_total",
			Help: "Total simulations finished.",
		}),
		CheckpointPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_checkpoint_pauses_total",
			Help: "Total pauses at checkpoints.",
		}),
		RoutingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_routing_fallbacks_total",
			Help: "Path resolutions that fell back to the straight-line waypoints.",
		}),
		PublishesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_publishes_accepted_total",
			Help: "Total accepted status publishes.",
		}),
		PublishesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcast_publishes_rejected_total",
			Help: "Total rejected status publishes.",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_broadcasts_total",
			Help: "Total status deliveries attempted to subscribers.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_evictions_total",
			Help: "Completed trips evicted from the registry.",
		}),
		StaleResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_stale_resets_total",
			Help: "Running trips reset to idle by the stale reclaimer.",
		}),
		ETALegFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_eta_leg_failures_total",
			Help: "ETA leg lookups that failed or timed out.",
		}),
		RecorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_recorder_dropped_total",
			Help: "Persistence records dropped because the queue was full.",
		}),
		RecorderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_recorder_errors_total",
			Help: "Persistence writes that failed.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcast_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcast_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripcast_tick_duration_seconds",
			Help:    "Duration of simulation tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripcast_publish_duration_seconds",
			Help:    "Duration to merge and broadcast a status publish.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		SpeedMps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcast_simulation_speed_mps",
			Help: "Configured simulation speed in meters per second.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcast_tick_interval_seconds",
			Help: "Simulation tick interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveSimulations, c.RetainedTrips, c.Subscribers,
		c.SimulationsStarted, c.SimulationsFinished, c.CheckpointPauses, c.RoutingFallbacks,
		c.PublishesAccepted, c.PublishesRejected, c.Broadcasts, c.Evictions, c.StaleResets,
		c.ETALegFailures, c.RecorderDrops, c.RecorderErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration,
		c.SpeedMps, c.TickInterval,
	)

	c.SpeedMps.Set(speedMps)
	c.TickInterval.Set(tickInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}
