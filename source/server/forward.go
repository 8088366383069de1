package server

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"lp-gateway-go/pkg/metrics"
	"lp-gateway-go/source/protocol"
)

// Dialer opens a stream to an exit gateway. Swappable in tests.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

func netDialer(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// forwardChannel is the single persistent outbound stream a handler
// keeps to its exit gateway. Ownership is exclusive to the handler, so
// no locking is needed on the hot path; I/O errors clear the channel and
// the next forward reconnects.
type forwardChannel struct {
	stream net.Conn
	target string
}

func (c *forwardChannel) close() {
	if c.stream != nil {
		c.stream.Close()
	}
}

// openForwardChannel connects to the target exit. The semaphore bounds
// concurrent connection opens only (fd exhaustion protection), not
// operations on already-established streams.
func (h *ConnectionHandler) openForwardChannel(target string) error {
	if !h.state.ForwardSem.TryAcquire(1) {
		metrics.ForwardRejected.Inc()
		return errors.Wrap(protocol.ErrAtCapacity, "forward semaphore exhausted")
	}
	defer h.state.ForwardSem.Release(1)

	stream, err := h.dial(target, h.state.Config.ForwardConnectTimeout)
	if err != nil {
		return errors.Wrapf(protocol.ErrForwardIoError, "connect to %s: %v", target, err)
	}

	h.log.WithField("target", target).Debug("opened persistent exit stream")
	h.forward = &forwardChannel{stream: stream, target: target}
	return nil
}

// forwardPacket relays the inner packet bytes to the exit gateway over
// the persistent channel and returns the exit's response. A request for
// a different target than the session-bound one is a protocol error and
// leaves the existing channel untouched.
func (h *ConnectionHandler) forwardPacket(fwd *ForwardPacketData) ([]byte, error) {
	metrics.ForwardTotal.Inc()
	start := time.Now()

	if h.forward != nil && h.forward.target != fwd.TargetAddress {
		metrics.ForwardFailed.Inc()
		return nil, errors.Wrapf(protocol.ErrForwardTargetMismatch,
			"session bound to %s, request targets %s", h.forward.target, fwd.TargetAddress)
	}

	if h.forward == nil {
		if err := h.openForwardChannel(fwd.TargetAddress); err != nil {
			if !errors.Is(err, protocol.ErrAtCapacity) {
				metrics.ForwardFailed.Inc()
			}
			return nil, err
		}
	}

	response, err := h.forwardIO(fwd.InnerPacketBytes)
	if err != nil {
		// Discard the exit stream; the next forward reconnects.
		h.forward.close()
		h.forward = nil
		metrics.ForwardFailed.Inc()
		return nil, err
	}

	metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	metrics.ForwardSuccess.Inc()
	return response, nil
}

// forwardIO performs one length-prefixed request/response exchange on
// the exit stream under a single outer deadline.
func (h *ConnectionHandler) forwardIO(inner []byte) ([]byte, error) {
	stream := h.forward.stream
	deadline := time.Now().Add(h.state.Config.ForwardIOTimeout)
	if err := stream.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(protocol.ErrForwardIoError, err.Error())
	}
	defer stream.SetDeadline(time.Time{})

	if err := protocol.WriteFramed(stream, inner); err != nil {
		return nil, classifyForwardErr(err)
	}
	response, err := protocol.ReadFramed(stream)
	if err != nil {
		return nil, classifyForwardErr(err)
	}
	return response, nil
}

func classifyForwardErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(protocol.ErrForwardIoTimeout, err.Error())
	}
	return errors.Wrap(protocol.ErrForwardIoError, err.Error())
}
