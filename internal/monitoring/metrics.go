package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the dispatch fabric.
// Scraped via the /metrics endpoint served by cmd/rlbnode.
var (
	// Dispatch routing metrics
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlb_dispatch_total",
		Help: "Total consume requests by route taken",
	}, []string{"route"}) // local, remote, fallback, offline

	// RPC transport metrics
	rpcCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlb_rpc_calls_total",
		Help: "Total outbound RPC calls by result",
	}, []string{"result"}) // ok, no_peer, timeout, remote_error, decode_error

	rpcHandledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlb_rpc_handled_total",
		Help: "Total inbound RPC requests handled by result",
	}, []string{"result"}) // ok, error

	rpcLateResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rlb_rpc_late_responses_total",
		Help: "Responses that arrived after the caller abandoned the correlation id",
	})

	// Load registry metrics
	loadReports = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rlb_load_reports_total",
		Help: "Load reports written to the datastore",
	})

	localLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlb_local_load",
		Help: "Load last reported by the local consumer",
	})

	knownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlb_known_peers",
		Help: "Peer entries in the last fetched load map",
	})

	// Scheduler metrics
	activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlb_active_jobs",
		Help: "Jobs currently owned by the local scheduler",
	})

	reservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rlb_reservations_total",
		Help: "Seat reservations by outcome",
	}, []string{"outcome"}) // made, confirmed, expired

	// Event bus metrics
	eventOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rlb_event_overflow_total",
		Help: "Events dropped because a subscriber buffer was full",
	})
)

func init() {
	prometheus.MustRegister(
		dispatchTotal,
		rpcCallsTotal,
		rpcHandledTotal,
		rpcLateResponses,
		loadReports,
		localLoad,
		knownPeers,
		activeJobs,
		reservationsTotal,
		eventOverflows,
	)
}

// RecordDispatch tracks one consume request by the route it took:
// "local", "remote", "fallback" (remote failed, ran locally), "offline".
func RecordDispatch(route string) {
	dispatchTotal.WithLabelValues(route).Inc()
}

// RecordRPCCall tracks an outbound call result.
func RecordRPCCall(result string) {
	rpcCallsTotal.WithLabelValues(result).Inc()
}

// RecordRPCHandled tracks an inbound request handled by the local node.
func RecordRPCHandled(result string) {
	rpcHandledTotal.WithLabelValues(result).Inc()
}

// RecordLateResponse tracks a response for an abandoned correlation id.
func RecordLateResponse() {
	rpcLateResponses.Inc()
}

// RecordLoadReport tracks one load key write and the value written.
func RecordLoadReport(load int) {
	loadReports.Inc()
	localLoad.Set(float64(load))
}

// SetKnownPeers records the size of the last fetched peer-load map.
func SetKnownPeers(n int) {
	knownPeers.Set(float64(n))
}

// SetActiveJobs records the scheduler's active-job count.
func SetActiveJobs(n int) {
	activeJobs.Set(float64(n))
}

// RecordReservation tracks a reservation outcome: "made", "confirmed",
// "expired".
func RecordReservation(outcome string) {
	reservationsTotal.WithLabelValues(outcome).Inc()
}

// RecordEventOverflow tracks an event dropped on a full subscriber buffer.
func RecordEventOverflow() {
	eventOverflows.Inc()
}
