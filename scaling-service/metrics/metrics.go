// Package metrics defines the Prometheus metrics exported by the scaling
// service. They are registered on a dedicated registry instead of the global
// one, so only our own metrics and the runtime collectors get served.
package metrics // import "github.com/whisthq/whist/backend/fleet/scaling-service/metrics"

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "whist"
	subsystem = "scaling_service"
)

// Registry holds every metric in this package.
var Registry = prometheus.NewRegistry()

var (
	// Placements counts mandelbox assignments by outcome, which is either
	// "OK" or a placement error code.
	Placements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "placements_total",
		Help:      "Number of mandelbox placement attempts, by outcome.",
	}, []string{"code"})

	// PlacementLatency observes how long placement transactions take.
	PlacementLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "placement_duration_seconds",
		Help:      "Time spent finding and reserving a slot for a mandelbox.",
		Buckets:   prometheus.DefBuckets,
	})

	// Launches counts instance launches by region and result.
	Launches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "launches_total",
		Help:      "Number of instance launch attempts, by region and result.",
	}, []string{"region", "result"})

	// Drains counts drain decisions by the action taken.
	Drains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "drains_total",
		Help:      "Number of host drain decisions, by action.",
	}, []string{"action"})

	// ReaperTicks counts reaper runs by result.
	ReaperTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reaper_ticks_total",
		Help:      "Number of reaper runs, by result.",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Placements,
		PlacementLatency,
		Launches,
		Drains,
		ReaperTicks,
	)
}

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
