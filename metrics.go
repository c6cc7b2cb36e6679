package campusrooms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client-side sync counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	InvalidationsTotal *prometheus.CounterVec
	FetchesTotal       *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
	ReconcilesTotal    *prometheus.CounterVec
	ConnectionStatus   *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campusrooms_realtime_events_total",
			Help: "Inbound realtime events by kind and outcome",
		}, []string{"kind", "outcome"}),
		InvalidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campusrooms_cache_invalidations_total",
			Help: "Query cache invalidations by root key",
		}, []string{"query"}),
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campusrooms_cache_fetches_total",
			Help: "Query cache fetches by root key and result",
		}, []string{"query", "result"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campusrooms_alerts_total",
			Help: "User-visible alerts by level",
		}, []string{"level"}),
		ReconcilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campusrooms_reconciles_total",
			Help: "Full cache reconciliations by result",
		}, []string{"result"}),
		ConnectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "campusrooms_connection_status",
			Help: "1 for the current realtime connection status, 0 otherwise",
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordEvent(kind EventKind, outcome string) {
	if m == nil || m.EventsTotal == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) RecordInvalidation(key QueryKey) {
	if m == nil || m.InvalidationsTotal == nil {
		return
	}
	m.InvalidationsTotal.WithLabelValues(key.Root()).Inc()
}

func (m *Metrics) RecordFetch(key QueryKey, result string) {
	if m == nil || m.FetchesTotal == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(key.Root(), result).Inc()
}

func (m *Metrics) RecordAlert(level AlertLevel) {
	if m == nil || m.AlertsTotal == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) RecordReconcile(result string) {
	if m == nil || m.ReconcilesTotal == nil {
		return
	}
	m.ReconcilesTotal.WithLabelValues(result).Inc()
}

var allStatuses = []ConnectionStatus{
	StatusDisconnected,
	StatusConnecting,
	StatusConnected,
	StatusReconnecting,
	StatusFailed,
}

func (m *Metrics) SetStatus(s ConnectionStatus) {
	if m == nil || m.ConnectionStatus == nil {
		return
	}
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(string(st)).Set(v)
	}
}
