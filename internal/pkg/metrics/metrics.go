// Package metrics defines the prometheus collectors of the extraction
// engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so library users and tests can skip instrumentation.
type Metrics struct {
	PacketsProcessed *prometheus.CounterVec
	SlicesDispatched prometheus.Counter
	BytesConsumed    *prometheus.CounterVec
	HandlerPanics    *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	PendingDropped   prometheus.Counter
	ActiveSessions   prometheus.Gauge
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "packets_processed_total",
			Help:      "Captured packets processed by transport",
		}, []string{"transport"}),
		SlicesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "slices_dispatched_total",
			Help:      "Decoded packet slices dispatched to handlers",
		}),
		BytesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "handler_bytes_consumed_total",
			Help:      "Payload bytes consumed per handler",
		}, []string{"handler"}),
		HandlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "handler_panics_total",
			Help:      "Recovered handler panics",
		}, []string{"handler"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "events_published_total",
			Help:      "Events published by type",
		}, []string{"type"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "cache_evictions_total",
			Help:      "Capacity evictions per bounded cache",
		}, []string{"cache"}),
		PendingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowminer",
			Name:      "pending_bytes_dropped_total",
			Help:      "Stream bytes dropped because a flow exceeded its pending buffer cap",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowminer",
			Name:      "active_sessions",
			Help:      "Transport sessions currently tracked",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PacketsProcessed,
			m.SlicesDispatched,
			m.BytesConsumed,
			m.HandlerPanics,
			m.EventsPublished,
			m.Evictions,
			m.PendingDropped,
			m.ActiveSessions,
		)
	}
	return m
}

// Eviction returns the eviction counter for a named cache, or nil.
func (m *Metrics) Eviction(cache string) prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.Evictions.WithLabelValues(cache)
}

// Panic counts a recovered handler panic.
func (m *Metrics) Panic(handler string) {
	if m == nil {
		return
	}
	m.HandlerPanics.WithLabelValues(handler).Inc()
}

// Consumed counts bytes consumed by a handler.
func (m *Metrics) Consumed(handler string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesConsumed.WithLabelValues(handler).Add(float64(n))
}

// Dispatched counts a dispatched slice.
func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.SlicesDispatched.Inc()
}

// Packet counts a processed packet.
func (m *Metrics) Packet(transport string) {
	if m == nil {
		return
	}
	m.PacketsProcessed.WithLabelValues(transport).Inc()
}

// Dropped counts pending bytes dropped by the capture engine.
func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PendingDropped.Add(float64(n))
}

// Sessions sets the active session gauge.
func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
