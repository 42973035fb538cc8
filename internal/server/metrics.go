package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the HTTP metrics of the server.
type Metrics struct {
	Requests *prometheus.HistogramVec
	Panics   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lithub_http_request_duration_seconds",
		Help:    "Time spent serving API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	panics := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lithub_http_panics_total",
		Help: "Handler panics recovered by the server",
	})

	reg.MustRegister(requests, panics)

	return &Metrics{
		Requests: requests,
		Panics:   panics,
	}
}

func (m *Metrics) observe(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(seconds)
}

func (m *Metrics) panicked() {
	if m != nil {
		m.Panics.Inc()
	}
}
