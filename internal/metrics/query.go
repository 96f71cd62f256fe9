package metrics

import "github.com/prometheus/client_golang/prometheus"

// Live query Prometheus metrics.
var (
	QueryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geowatch",
			Name:      "query_events_total",
			Help:      "Total number of query events emitted to listeners",
		},
		[]string{"event"},
	)

	RangeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "geowatch",
			Name:      "range_subscriptions",
			Help:      "Currently open geohash range subscriptions",
		},
	)

	WatchBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geowatch",
			Name:      "watch_batches_total",
			Help:      "Change batches delivered by range subscriptions",
		},
		[]string{"result"}, // "ok" / "error"
	)

	TrackedDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "geowatch",
			Name:      "tracked_documents",
			Help:      "Documents currently cached by live queries",
		},
	)
)

var queryMetricsRegistered bool

// RegisterQueryMetrics registers the live query metrics. Must be called once
// from main; library users that skip it still get working counters, they
// are just not exposed anywhere.
func RegisterQueryMetrics() {
	if queryMetricsRegistered {
		return
	}
	prometheus.MustRegister(QueryEventsTotal)
	prometheus.MustRegister(RangeSubscriptions)
	prometheus.MustRegister(WatchBatchesTotal)
	prometheus.MustRegister(TrackedDocuments)
	queryMetricsRegistered = true
}
