// Package metrics provides Prometheus metrics for the race coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

// Option applies a configuration option to the Recorder.
type Option func(*Recorder)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		if namespace != "" {
			r.namespace = namespace
		}
	}
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(r *Recorder) { r.runtime = true }
}

// Recorder implements coordinator.Metrics on a private registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	namespace string
	runtime   bool
	registry  *prometheus.Registry

	connections    prometheus.Gauge
	queueSize      prometheus.Gauge
	activeRaces    prometheus.Gauge
	racesFormed    prometheus.Counter
	partySize      prometheus.Histogram
	queueWait      prometheus.Histogram
	racesEnded     *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	persistFailed  prometheus.Counter
	framesReceived prometheus.Counter
	rateLimited    prometheus.Counter
}

// New creates a Recorder with its own registry.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		namespace: "sokudo",
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runtime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r.initializeMetrics()
	return r
}

func (r *Recorder) initializeMetrics() {
	auto := promauto.With(r.registry)

	r.connections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Name:      "connections",
		Help:      "Live client connections",
	})
	r.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Subsystem: "matchmaking",
		Name:      "queue_size",
		Help:      "Users waiting in the matchmaking queue",
	})
	r.activeRaces = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Subsystem: "race",
		Name:      "active",
		Help:      "Race sessions currently held by the directory",
	})
	r.racesFormed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: r.namespace,
		Subsystem: "matchmaking",
		Name:      "races_formed_total",
		Help:      "Groups formed by the matcher",
	})
	r.partySize = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Subsystem: "matchmaking",
		Name:      "party_size",
		Help:      "Players per formed race",
		Buckets:   []float64{2, 3, 4, 5, 6, 8},
	})
	r.queueWait = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Subsystem: "matchmaking",
		Name:      "wait_seconds",
		Help:      "Longest queue wait inside each formed group",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})
	r.racesEnded = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Subsystem: "race",
		Name:      "ended_total",
		Help:      "Races that reached a terminal state",
	}, []string{"state"})
	r.rejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      "commands_rejected_total",
		Help:      "Client commands answered with an error",
	}, []string{"kind"})
	r.persistFailed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: r.namespace,
		Subsystem: "race",
		Name:      "persist_failures_total",
		Help:      "Failed attempts to save a finished race",
	})
	r.framesReceived = auto.NewCounter(prometheus.CounterOpts{
		Namespace: r.namespace,
		Subsystem: "ws",
		Name:      "frames_received_total",
		Help:      "Inbound websocket frames",
	})
	r.rateLimited = auto.NewCounter(prometheus.CounterOpts{
		Namespace: r.namespace,
		Subsystem: "ws",
		Name:      "rate_limited_total",
		Help:      "Inbound frames dropped by the per-connection rate limit",
	})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ConnectionsChanged(n int) {
	if r == nil {
		return
	}
	r.connections.Set(float64(n))
}

func (r *Recorder) QueueSizeChanged(n int) {
	if r == nil {
		return
	}
	r.queueSize.Set(float64(n))
}

func (r *Recorder) ActiveRacesChanged(n int) {
	if r == nil {
		return
	}
	r.activeRaces.Set(float64(n))
}

func (r *Recorder) RaceFormed(players int, wait time.Duration) {
	if r == nil {
		return
	}
	r.racesFormed.Inc()
	r.partySize.Observe(float64(players))
	r.queueWait.Observe(wait.Seconds())
}

func (r *Recorder) RaceEnded(state race.State) {
	if r == nil {
		return
	}
	r.racesEnded.WithLabelValues(state.String()).Inc()
}

func (r *Recorder) CommandRejected(kind race.Kind) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(kind.String()).Inc()
}

func (r *Recorder) PersistFailed() {
	if r == nil {
		return
	}
	r.persistFailed.Inc()
}

// FrameReceived counts one inbound websocket frame.
func (r *Recorder) FrameReceived() {
	if r == nil {
		return
	}
	r.framesReceived.Inc()
}

// RateLimited counts one frame dropped by the rate limiter.
func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

var _ coordinator.Metrics = (*Recorder)(nil)
