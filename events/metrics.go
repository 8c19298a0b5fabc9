package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation of the event stream.
type Metrics struct {
	emitted *prometheus.CounterVec
	depth   prometheus.Gauge
}

// NewMetrics registers stream metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		emitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainsync",
			Subsystem: "stream",
			Name:      "events_emitted_total",
			Help:      "Events emitted on the stream by network and type.",
		}, []string{"network", "type"}),
		depth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "chainsync",
			Subsystem: "stream",
			Name:      "depth",
			Help:      "Events currently buffered in the stream.",
		}),
	}
}

// RecordEmitted counts one emitted event.
func (m *Metrics) RecordEmitted(event StreamEvent) {
	m.emitted.WithLabelValues(event.EventNetwork(), typeLabel(event)).Inc()
}

// UpdateDepth records the stream buffer occupancy.
func (m *Metrics) UpdateDepth(depth int) {
	m.depth.Set(float64(depth))
}

func typeLabel(event StreamEvent) string {
	switch event.(type) {
	case *BlockEvent:
		return "block"
	case *ReorgEvent:
		return "reorg"
	case *FinalizeEvent:
		return "finalize"
	default:
		return "unknown"
	}
}
