package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the broker's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions    *prometheus.GaugeVec
	viewers     prometheus.Gauge
	detections  *prometheus.CounterVec
	automations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	hooks       *prometheus.CounterVec
}

// NewMetrics registers the broker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvmbroker",
			Name:      "sessions",
			Help:      "Display sessions by state.",
		}, []string{"state"}),
		viewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvmbroker",
			Name:      "viewers",
			Help:      "Viewers attached across all displays.",
		}),
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvmbroker",
			Name:      "detections_total",
			Help:      "Vendor detections by outcome (vendor key or failure reason).",
		}, []string{"outcome"}),
		automations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvmbroker",
			Name:      "automation_runs_total",
			Help:      "Console automation runs by vendor and outcome.",
		}, []string{"vendor", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvmbroker",
			Name:      "automation_duration_seconds",
			Help:      "Time from browser launch to console displayed.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"vendor"}),
		hooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvmbroker",
			Name:      "hooks_total",
			Help:      "Lifecycle hook invocations by hook.",
		}, []string{"hook"}),
	}
}

func (m *Metrics) transition(from, to State) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.sessions.WithLabelValues(string(from)).Dec()
	}
	m.sessions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) viewerDelta(n int) {
	if m == nil || n == 0 {
		return
	}
	m.viewers.Add(float64(n))
}

func (m *Metrics) detection(outcome string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) automation(vendor, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.automations.WithLabelValues(vendor, outcome).Inc()
	if outcome == "ok" {
		m.duration.WithLabelValues(vendor).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) hook(name string) {
	if m == nil {
		return
	}
	m.hooks.WithLabelValues(name).Inc()
}
