package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of a store. A nil *Metrics records nothing.
type Metrics struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Evictions   prometheus.Counter
	Expirations prometheus.Counter
	Bytes       prometheus.Gauge
	Entries     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithub_cache_hits_total",
			Help: "Cache lookups that returned a live entry",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithub_cache_misses_total",
			Help: "Cache lookups that found nothing or an expired entry",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithub_cache_evictions_total",
			Help: "Entries dropped to stay within the byte budget",
		}),
		Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithub_cache_expirations_total",
			Help: "Entries removed after their TTL passed",
		}),
		Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lithub_cache_bytes",
			Help: "Payload bytes currently stored",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lithub_cache_entries",
			Help: "Entries currently stored",
		}),
	}

	reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.Expirations, m.Bytes, m.Entries)
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m != nil && n > 0 {
		m.Expirations.Add(float64(n))
	}
}

func (m *Metrics) occupancy(bytes int64, entries int) {
	if m != nil {
		m.Bytes.Set(float64(bytes))
		m.Entries.Set(float64(entries))
	}
}
