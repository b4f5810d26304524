// Package metrics defines the Prometheus series for the control plane on a
// dedicated registry. Series names and labels are part of the operational
// contract; dashboards depend on them.
package metrics

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector the process exports.
type Set struct {
	registry *prometheus.Registry
	start    time.Time

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StoresTotal          *prometheus.GaugeVec
	ProvisioningDuration *prometheus.HistogramVec
	StepDuration         *prometheus.HistogramVec
	StepFailures         *prometheus.CounterVec

	ActiveOperations     prometheus.Gauge
	ConcurrentOperations prometheus.Gauge
	QueueDepth           prometheus.Gauge
	QueueWait            prometheus.Histogram
	Rejections           *prometheus.CounterVec
}

// New builds the metric set on a fresh registry.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by method, normalized route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"method", "route"}),

		StoresTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stores_total",
			Help: "Stores currently in each lifecycle status.",
		}, []string{"status"}),
		ProvisioningDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_provisioning_duration_ms",
			Help:    "End-to-end provisioning duration in milliseconds.",
			Buckets: []float64{5000, 15000, 30000, 60000, 120000, 300000, 600000, 900000},
		}, []string{"engine"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_provisioning_step_duration_ms",
			Help:    "Per-step provisioning duration in milliseconds.",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 180000, 600000},
		}, []string{"engine", "step"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_provisioning_failures_total",
			Help: "Provisioning step failures.",
		}, []string{"engine", "step"}),

		ActiveOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_provisioning_operations",
			Help: "Stores with a live provisioning or deletion worker.",
		}),
		ConcurrentOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "provisioning_concurrent_operations",
			Help: "Permits currently held against the concurrency limiter.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "provisioning_queue_depth",
			Help: "Waiters queued for a provisioning permit.",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "provisioning_queue_wait_ms",
			Help:    "Time spent waiting for a permit in milliseconds.",
			Buckets: []float64{10, 100, 500, 1000, 5000, 15000, 30000, 60000, 120000},
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioning_rejections_total",
			Help: "Provisioning requests rejected before a worker started.",
		}, []string{"reason"}),
	}

	s.registry.MustRegister(
		s.HTTPRequestsTotal, s.HTTPRequestDuration,
		s.StoresTotal, s.ProvisioningDuration, s.StepDuration, s.StepFailures,
		s.ActiveOperations, s.ConcurrentOperations, s.QueueDepth, s.QueueWait,
		s.Rejections,
	)
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "process_uptime_seconds",
		Help: "Seconds since the process started.",
	}, func() float64 { return time.Since(s.start).Seconds() }))

	return s
}

// Handler returns the text exposition endpoint for this set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// ObserveRequest records one served HTTP request.
func (s *Set) ObserveRequest(method, route, status string, duration time.Duration) {
	s.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	s.HTTPRequestDuration.WithLabelValues(method, route).Observe(float64(duration.Milliseconds()))
}

var (
	storeIDSegment = regexp.MustCompile(`^store-[0-9a-f]{8}$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizeRoute collapses identifier path segments so route labels stay
// bounded.
func NormalizeRoute(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case storeIDSegment.MatchString(seg):
			segments[i] = ":storeId"
		case uuidSegment.MatchString(strings.ToLower(seg)):
			segments[i] = ":uuid"
		case numericSegment.MatchString(seg):
			segments[i] = ":n"
		}
	}
	return strings.Join(segments, "/")
}
