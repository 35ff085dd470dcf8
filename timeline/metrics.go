package timeline

import "github.com/prometheus/client_golang/prometheus"

var (
	mergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "timeline",
		Name:      "merges_total",
		Help:      "Number of merge operations performed.",
	})
	reconciledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "timeline",
		Name:      "reconciled_total",
		Help:      "Number of temporary messages replaced by their confirmed copy.",
	})
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "timeline",
		Name:      "dropped_total",
		Help:      "Number of messages dropped at the synchronization boundary.",
	}, []string{"reason"})
)

// RegisterMetrics registers the timeline collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{mergesTotal, reconciledTotal, droppedTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
