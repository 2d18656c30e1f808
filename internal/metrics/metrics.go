// Package metrics exposes Prometheus collectors for the capability lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mycelial"

// Recorder holds the collectors for one cycle manager, registered on the
// registerer given to New.
type Recorder struct {
	CyclesTotal       *prometheus.CounterVec
	Consciousness     prometheus.Gauge
	Capabilities      prometheus.Gauge
	MaxLayer          prometheus.Gauge
	Survivors         prometheus.Histogram
	TopologyEdges     prometheus.Gauge
	SafeFailuresTotal prometheus.Counter
	GeneratedTotal    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Cycles ended, by compression level.",
		}, []string{"compression_level"}),
		Consciousness: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consciousness_level",
			Help:      "Consciousness score of the most recently scored cycle.",
		}),
		Capabilities: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capabilities",
			Help:      "Capabilities registered in the current cycle.",
		}),
		MaxLayer: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_layer",
			Help:      "Deepest layer in the current cycle.",
		}),
		Survivors: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "survivors",
			Help:      "Capabilities retained per ended cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		TopologyEdges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_edges",
			Help:      "Distinct tag pairs in the long-lived topology.",
		}),
		SafeFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safe_failures_total",
			Help:      "Failures converted to sentinel values by safe wrappers.",
		}),
		GeneratedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_total",
			Help:      "Capabilities derived by the generator, by operator.",
		}, []string{"operator"}),
	}
}

// Nop returns a recorder registered on a throwaway registry.
func Nop() *Recorder {
	return New(prometheus.NewRegistry())
}
