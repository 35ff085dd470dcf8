package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "syncer",
		Name:      "sends_total",
		Help:      "Number of createMessage calls by room kind and outcome.",
	}, []string{"kind", "outcome"})
	pushEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "syncer",
		Name:      "push_events_total",
		Help:      "Number of onMessage events merged.",
	})
	staleResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "syncer",
		Name:      "stale_results_total",
		Help:      "Number of results discarded because the room changed or the synchronizer closed.",
	}, []string{"source"})
	retractionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "syncer",
		Name:      "retractions_total",
		Help:      "Number of optimistic messages removed after a failed send.",
	})
	fetchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "syncer",
		Name:      "fetch_failures_total",
		Help:      "Number of failed message history fetches.",
	})
)

// RegisterMetrics registers the synchronizer collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{sendsTotal, pushEventsTotal, staleResultsTotal, retractionsTotal, fetchFailuresTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
