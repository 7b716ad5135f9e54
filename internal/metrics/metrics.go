// Package metrics exposes the engine's Prometheus counters, grounded on
// the middleware.Metrics/metrics.Metrics split of
// DanDo385-go-edu/minis/50-mini-service-all-features: a single struct of
// promauto-registered collectors built once and threaded into every
// component that needs to observe something, instead of package-level
// globals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter the engine's components increment.
// Labels stay low-cardinality (config_id, result) since remote
// IPs/hostnames are the kind of unbounded label value Prometheus itself
// warns against.
type Metrics struct {
	JobsEnqueued   prometheus.Counter
	ConnectOutcome *prometheus.CounterVec // labels: config_id, result (ok|failed)
	ResultsEmitted prometheus.Counter

	PacketsNonIP    prometheus.Counter
	PacketsShortKey prometheus.Counter
	FlowsEmitted    prometheus.Counter

	MergedRecords    prometheus.Counter
	DuplicateRecords prometheus.Counter
}

// New constructs and registers every collector against reg. Passing a
// fresh prometheus.NewRegistry() keeps metrics tests isolated from the
// global default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_jobs_enqueued_total",
			Help: "Jobs accepted by the job queue.",
		}),
		ConnectOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qofspider_connect_outcomes_total",
			Help: "Worker connect outcomes by configuration and result.",
		}, []string{"config_id", "result"}),
		ResultsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_results_emitted_total",
			Help: "Connection outcome records pushed onto the result queue.",
		}),
		PacketsNonIP: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_observer_packets_nonip_total",
			Help: "Packets dropped by the observer for lacking an IPv4/IPv6 layer.",
		}),
		PacketsShortKey: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_observer_packets_shortkey_total",
			Help: "Packets dropped by the observer for a too-short transport payload.",
		}),
		FlowsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_observer_flows_emitted_total",
			Help: "Flow records emitted by the observer.",
		}),
		MergedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_merger_records_total",
			Help: "Merged records emitted by the merger.",
		}),
		DuplicateRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "qofspider_merger_duplicates_total",
			Help: "Records dropped by the merger for violating the per-key uniqueness invariant.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
