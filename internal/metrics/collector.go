// Package metrics exposes Prometheus collectors for turns, store sync and
// HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/scheduler"
)

const namespace = "open_dialogue"

// Collector records scheduler and HTTP metrics on a registry.
type Collector struct {
	turnsStarted     *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	turnFailures     *prometheus.CounterVec
	turnCancels      *prometheus.CounterVec
	unsyncedEntries  *prometheus.CounterVec
	syncFailures     prometheus.Counter
	activeSessions   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpRequestDelay *prometheus.HistogramVec
}

// NewCollector registers all collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		turnsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Agent turns started, by agent and trigger.",
		}, []string{"agent", "trigger"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time spent in the generator per completed turn.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"agent"}),
		turnFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Agent turns that produced no entry.",
		}, []string{"agent"}),
		turnCancels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_cancellations_total",
			Help:      "Queued turns dropped before generation, by reason.",
		}, []string{"reason"}),
		unsyncedEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsynced_entries_total",
			Help:      "Entries kept locally after a failed store append.",
		}, []string{"speaker"}),
		syncFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_sync_failures_total",
			Help:      "Failed transcript or conversation-list refreshes.",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Conversations with a loaded session.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpRequestDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// TurnStarted implements scheduler.Recorder.
func (c *Collector) TurnStarted(agent domain.Identity, trigger scheduler.Trigger) {
	c.turnsStarted.WithLabelValues(string(agent), string(trigger)).Inc()
}

// TurnCompleted implements scheduler.Recorder.
func (c *Collector) TurnCompleted(agent domain.Identity, elapsed time.Duration) {
	c.turnDuration.WithLabelValues(string(agent)).Observe(elapsed.Seconds())
}

// TurnFailed implements scheduler.Recorder.
func (c *Collector) TurnFailed(agent domain.Identity, _ error) {
	c.turnFailures.WithLabelValues(string(agent)).Inc()
}

// TurnCancelled implements scheduler.Recorder.
func (c *Collector) TurnCancelled(_ domain.Identity, reason string) {
	c.turnCancels.WithLabelValues(reason).Inc()
}

// EntryUnsynced implements scheduler.Recorder.
func (c *Collector) EntryUnsynced(speaker domain.Identity) {
	c.unsyncedEntries.WithLabelValues(string(speaker)).Inc()
}

// SyncFailed counts a failed background refresh.
func (c *Collector) SyncFailed() {
	c.syncFailures.Inc()
}

// SetActiveSessions records the number of loaded sessions.
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpRequestDelay.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

var _ scheduler.Recorder = (*Collector)(nil)
