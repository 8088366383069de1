// Package metrics registers the prometheus collectors for the LP
// listener. Collectors are process-global; handlers record through the
// exported variables.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Connection lifecycle duration buckets. LP connections range from a
// registration-only exchange (~1 s) to day-long forwarding sessions.
var connectionDurationBuckets = []float64{
	1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400,
}

var forwardDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_connections_total",
		Help: "Total LP connections handled.",
	})

	ConnectionsCompletedGracefully = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_connections_completed_gracefully",
		Help: "LP connections that ended with a clean EOF.",
	})

	ConnectionsCompletedWithError = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_connections_completed_with_error",
		Help: "LP connections that ended with a protocol or I/O error.",
	})

	ConnectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lp_connection_duration_seconds",
		Help:    "Lifetime of an LP connection.",
		Buckets: connectionDurationBuckets,
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_connection_bytes_received_total",
		Help: "Bytes received on LP connections, including framing.",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_connection_bytes_sent_total",
		Help: "Bytes sent on LP connections, including framing.",
	})

	Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_errors_total",
		Help: "Protocol errors by kind.",
	}, []string{"kind"})

	HandshakesSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_handshakes_success",
		Help: "Completed LP handshakes.",
	})

	ReceiverIndexCollisions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_receiver_index_collision",
		Help: "ClientHello messages proposing an occupied receiver index.",
	})

	TimestampAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_timestamp_validation_accepted",
		Help: "ClientHello timestamps within tolerance.",
	})

	TimestampRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_timestamp_validation_rejected",
		Help: "ClientHello timestamps outside tolerance.",
	})

	SubsessionsComplete = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_subsession_complete",
		Help: "Subsessions promoted to new sessions.",
	})

	ForwardTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_forward_total",
		Help: "Forwarding requests received.",
	})

	ForwardSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_forward_success",
		Help: "Forwarding requests completed.",
	})

	ForwardFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_forward_failed",
		Help: "Forwarding requests that failed.",
	})

	ForwardRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_forward_rejected",
		Help: "Forwarding requests rejected at capacity.",
	})

	ForwardDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lp_forward_duration_seconds",
		Help:    "Round trip time of one forward to the exit.",
		Buckets: forwardDurationBuckets,
	})

	SessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lp_sessions_evicted_total",
		Help: "Session and handshake states removed by TTL cleanup.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsCompletedGracefully,
		ConnectionsCompletedWithError,
		ConnectionDuration,
		BytesReceived,
		BytesSent,
		Errors,
		HandshakesSuccess,
		ReceiverIndexCollisions,
		TimestampAccepted,
		TimestampRejected,
		SubsessionsComplete,
		ForwardTotal,
		ForwardSuccess,
		ForwardFailed,
		ForwardRejected,
		ForwardDuration,
		SessionsEvicted,
	)
}
