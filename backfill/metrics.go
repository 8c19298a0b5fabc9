package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation of the backfill phase.
type Metrics struct {
	chunksPlanned   *prometheus.CounterVec
	chunksCompleted *prometheus.CounterVec
	logsMatched     *prometheus.CounterVec
	headersFetched  *prometheus.CounterVec
}

// NewMetrics registers backfill metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		chunksPlanned: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainsync",
			Subsystem: "backfill",
			Name:      "chunks_planned_total",
			Help:      "Fetch chunks planned per source.",
		}, []string{"network", "source"}),
		chunksCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainsync",
			Subsystem: "backfill",
			Name:      "chunks_completed_total",
			Help:      "Fetch chunks completed per source.",
		}, []string{"network", "source"}),
		logsMatched: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainsync",
			Subsystem: "backfill",
			Name:      "logs_matched_total",
			Help:      "Raw objects matched and cached per source.",
		}, []string{"network", "source"}),
		headersFetched: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainsync",
			Subsystem: "backfill",
			Name:      "headers_fetched_total",
			Help:      "Block headers fetched per network.",
		}, []string{"network"}),
	}
}

func (m *Metrics) recordPlanned(network, src string, chunks int) {
	if m == nil {
		return
	}
	m.chunksPlanned.WithLabelValues(network, src).Add(float64(chunks))
}

func (m *Metrics) recordCompleted(network, src string) {
	if m == nil {
		return
	}
	m.chunksCompleted.WithLabelValues(network, src).Inc()
}

func (m *Metrics) recordMatched(network, src string, n int) {
	if m == nil {
		return
	}
	m.logsMatched.WithLabelValues(network, src).Add(float64(n))
}

func (m *Metrics) recordHeaders(network string, n int) {
	if m == nil {
		return
	}
	m.headersFetched.WithLabelValues(network).Add(float64(n))
}
