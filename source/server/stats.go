package server

import (
	"time"

	"lp-gateway-go/pkg/metrics"
)

// ConnectionStats tracks one connection's lifecycle for the metrics
// emitted when the handler exits.
type ConnectionStats struct {
	start         time.Time
	bytesReceived uint64
	bytesSent     uint64
}

// NewConnectionStats starts the clock for one connection.
func NewConnectionStats() *ConnectionStats {
	return &ConnectionStats{start: time.Now()}
}

// RecordBytesReceived adds n received bytes, framing included.
func (s *ConnectionStats) RecordBytesReceived(n int) {
	s.bytesReceived += uint64(n)
}

// RecordBytesSent adds n sent bytes, framing included.
func (s *ConnectionStats) RecordBytesSent(n int) {
	s.bytesSent += uint64(n)
}

// Emit publishes duration, byte totals, and the completion kind.
// Graceful means the peer closed with a clean EOF.
func (s *ConnectionStats) Emit(graceful bool) {
	metrics.ConnectionDuration.Observe(time.Since(s.start).Seconds())
	metrics.BytesReceived.Add(float64(s.bytesReceived))
	metrics.BytesSent.Add(float64(s.bytesSent))
	if graceful {
		metrics.ConnectionsCompletedGracefully.Inc()
	} else {
		metrics.ConnectionsCompletedWithError.Inc()
	}
}
