package relay

import "github.com/prometheus/client_golang/prometheus"

// Prometheus counters mirroring the atomic stats in stats.go, following
// devicedb/storage's package-level collector pattern: registered once at
// package load, incremented alongside the atomic counters that back
// Snapshot(). Every Relay instance in a process shares these, which is
// the expected shape for a management surface scraped per-node.
var (
	promForwardedToSiteMaster = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "site_relay_forwarded_to_site_master_total",
		Help: "Messages forwarded to a local site master pick.",
	}, []string{"site"})
	promForwardedToLocalMbr = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "site_relay_forwarded_to_local_member_total",
		Help: "Messages delivered to a local cluster member.",
	}, []string{"site"})
	promRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "site_relay_relayed_total",
		Help: "Messages routed over a bridge to a remote site.",
	}, []string{"site"})
	promNoRouteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "site_relay_no_route_errors_total",
		Help: "Lookups that found no route (direct or forwarding) to the target site.",
	}, []string{"site"})
	promForwardToSMSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "site_relay_forward_to_site_master_seconds",
		Help: "Time spent handing a message to the local site master picker.",
	})
	promForwardToLocalMbrSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "site_relay_forward_to_local_member_seconds",
		Help: "Time spent delivering a message to a local cluster member.",
	})
	promRelaySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "site_relay_relay_seconds",
		Help: "Time spent handing a message to a Route for a remote site.",
	})
)

func init() {
	prometheus.MustRegister(
		promForwardedToSiteMaster,
		promForwardedToLocalMbr,
		promRelayed,
		promNoRouteErrors,
		promForwardToSMSeconds,
		promForwardToLocalMbrSeconds,
		promRelaySeconds,
	)
}
