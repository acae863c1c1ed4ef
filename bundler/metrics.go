package bundler

import "github.com/prometheus/client_golang/prometheus"

// Package-level Prometheus collectors, registered once at load and shared
// across every Base instance in the process, mirroring the pattern in
// relay/metrics.go and devicedb/storage's metrics.go.
var (
	promFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "site_relay_bundler_flushes_total",
		Help: "Bundler flush calls, including flushes that found every destination queue empty.",
	})
	promFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "site_relay_bundler_flush_seconds",
		Help: "Wall-clock time spent inside a single bundler flush, when transport stats are enabled.",
	})
)

func init() {
	prometheus.MustRegister(promFlushes, promFlushSeconds)
}
