package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EvictionSuperseded   = "superseded"
	EvictionSendFailed   = "send_failed"
	EvictionDisconnected = "disconnected"
)

// Metrics groups the collectors of the ingestion core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections    *prometheus.GaugeVec
	evictions      *prometheus.CounterVec
	scans          *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	storeLatency   *prometheus.HistogramVec
}

// New registers the collectors with registerer, or the default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drone_inventory_connections",
			Help: "Live connections by role.",
		}, []string{"role"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drone_inventory_evictions_total",
			Help: "Connections removed from the registry by reason.",
		}, []string{"reason"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drone_inventory_scans_total",
			Help: "Barcode scans processed by outcome status.",
		}, []string{"status"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drone_inventory_sessions_closed_total",
			Help: "Scan sessions closed by reason.",
		}, []string{"reason"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drone_inventory_store_latency_seconds",
			Help:    "Ledger store call latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
	}

	registerer.MustRegister(m.connections, m.evictions, m.scans, m.sessionsClosed, m.storeLatency)
	return m
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ScanProcessed(status string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(status).Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// ObserveStore records the latency of a store call started at begin.
func (m *Metrics) ObserveStore(op string, begin time.Time) {
	if m == nil {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(time.Since(begin).Seconds())
}
