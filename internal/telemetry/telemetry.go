// Package telemetry exposes the Prometheus metrics surface referenced by
// SPEC_FULL's ambient stack section. Adapted from progressdb's
// pkg/telemetry (which tracked per-request spans); bunkerd's RPC
// dispatch is short-lived enough that plain counters/gauges suffice, so
// this trades progressdb's span-sampling machinery for a flatter metric
// set wired straight into the admin and user planes.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// RPCsTotal counts dispatched RPCs by plane, method, and outcome.
	RPCsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bunkerd_rpcs_total",
		Help: "Total RPCs dispatched, by plane, method and outcome.",
	}, []string{"plane", "method", "outcome"})

	// ACLLookupsTotal counts ACL Store lookups by result.
	ACLLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bunkerd_acl_lookups_total",
		Help: "Total ACL Store lookups, by result (allow/deny/unknown).",
	}, []string{"result"})

	// PendingRequests gauges the number of ledger rows awaiting settlement.
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bunkerd_pending_requests",
		Help: "Number of Request Ledger rows currently pending (allowed=null).",
	})

	// UnlockedKeys gauges the number of keys currently unlocked in memory.
	UnlockedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bunkerd_unlocked_keys",
		Help: "Number of keys currently unlocked in the in-memory key table.",
	})

	// LivenessResets counts liveness watchdog resets (i.e. self-pings observed).
	LivenessResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bunkerd_liveness_resets_total",
		Help: "Total self-pings observed by the liveness monitor.",
	})
)

func init() {
	prometheus.MustRegister(RPCsTotal, ACLLookupsTotal, PendingRequests, UnlockedKeys, LivenessResets)
}
