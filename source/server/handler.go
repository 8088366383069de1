package server

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"lp-gateway-go/pkg/logger"
	"lp-gateway-go/pkg/metrics"
	"lp-gateway-go/source/protocol"
)

// ConnectionHandler drives one accepted stream: framed packets in a loop
// until EOF or a fatal error. The first non-bootstrap packet (or an
// accepted ClientHello) binds the connection to its receiver index; any
// later packet carrying a different index aborts the connection.
type ConnectionHandler struct {
	stream net.Conn
	remote string
	state  *HandlerState
	stats  *ConnectionStats
	log    *logrus.Entry
	dial   Dialer

	bound    bool
	boundIdx uint32

	forward *forwardChannel
}

// NewConnectionHandler wraps an accepted connection.
func NewConnectionHandler(stream net.Conn, state *HandlerState) *ConnectionHandler {
	remote := stream.RemoteAddr().String()
	return &ConnectionHandler{
		stream: stream,
		remote: remote,
		state:  state,
		stats:  NewConnectionStats(),
		dial:   netDialer,
		log: logger.L().WithFields(logrus.Fields{
			"remote":  remote,
			"conn_id": xid.New().String(),
		}),
	}
}

// Handle runs the packet loop. It always closes the stream and emits
// lifecycle metrics; failures never propagate beyond this connection.
func (h *ConnectionHandler) Handle() error {
	metrics.ConnectionsTotal.Inc()
	defer h.stream.Close()
	defer func() {
		if h.forward != nil {
			h.forward.close()
			h.forward = nil
		}
	}()

	h.log.Debug("handling LP connection")

	for {
		raw, err := protocol.ReadFramed(h.stream)
		if err != nil {
			if isConnectionClosed(err) {
				h.log.Debug("connection closed by peer")
				h.stats.Emit(true)
				return nil
			}
			metrics.Errors.WithLabelValues("receive_packet").Inc()
			h.stats.Emit(false)
			return errors.Wrap(err, "receiving packet")
		}
		h.stats.RecordBytesReceived(protocol.LengthPrefixSize + len(raw))

		header, err := protocol.ParseHeaderOnly(raw)
		if err != nil {
			metrics.Errors.WithLabelValues("malformed_packet").Inc()
			h.stats.Emit(false)
			return err
		}

		if err := h.validateOrSetBinding(header.ReceiverIdx); err != nil {
			h.stats.Emit(false)
			return err
		}

		if err := h.processPacket(raw, header.ReceiverIdx); err != nil {
			h.stats.Emit(false)
			return err
		}
	}
}

func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// validateOrSetBinding enforces the session-affine rule. ClientHello
// (bootstrap index) defers binding until the collision check passes.
func (h *ConnectionHandler) validateOrSetBinding(receiverIdx uint32) error {
	if !h.bound {
		if receiverIdx != protocol.BootstrapReceiverIdx {
			h.bound = true
			h.boundIdx = receiverIdx
			h.log.WithField("receiver_idx", receiverIdx).Debug("bound connection")
		}
		return nil
	}
	if receiverIdx == h.boundIdx {
		return nil
	}
	metrics.Errors.WithLabelValues("receiver_idx_mismatch").Inc()
	h.log.WithFields(logrus.Fields{
		"bound_idx":  h.boundIdx,
		"packet_idx": receiverIdx,
	}).Warn("receiver index mismatch")
	return errors.Wrapf(protocol.ErrReceiverIdxMismatch, "bound to %d, packet has %d", h.boundIdx, receiverIdx)
}

// processPacket looks up the outer key, parses the full packet, and
// routes it by receiver index.
func (h *ConnectionHandler) processPacket(raw []byte, receiverIdx uint32) error {
	outerKey := h.state.OuterKeyFor(receiverIdx)

	packet, err := protocol.ParsePacket(raw, outerKey)
	if err != nil {
		metrics.Errors.WithLabelValues("parse_packet").Inc()
		return err
	}

	switch {
	case receiverIdx == protocol.BootstrapReceiverIdx:
		return h.handleClientHello(packet)
	default:
		if entry, ok := h.state.GetHandshake(receiverIdx); ok {
			return h.handleHandshakePacket(receiverIdx, entry, packet)
		}
		if entry, ok := h.state.GetSession(receiverIdx); ok {
			return h.handleTransportPacket(receiverIdx, entry, packet)
		}
		metrics.Errors.WithLabelValues("unknown_session").Inc()
		h.log.WithField("receiver_idx", receiverIdx).Warn("packet for unknown session")
		return errors.Wrapf(protocol.ErrUnknownSession, "receiver_idx %d", receiverIdx)
	}
}

// handleClientHello validates the bootstrap packet, checks the proposed
// receiver index for collisions, creates handshake state, binds the
// connection and acks.
func (h *ConnectionHandler) handleClientHello(packet *protocol.Packet) error {
	if packet.Message.Tag != protocol.TagClientHello {
		metrics.Errors.WithLabelValues("unexpected_bootstrap").Inc()
		return errors.Wrapf(protocol.ErrUnexpectedTransition, "bootstrap packet with tag %d", packet.Message.Tag)
	}
	hello := packet.Message.Hello

	ts := protocol.ExtractTimestamp(hello.Salt)
	if err := protocol.ValidateTimestamp(ts, time.Now(), h.state.Config.TimestampTolerance); err != nil {
		metrics.TimestampRejected.Inc()
		h.log.WithError(err).Warn("rejecting client hello timestamp")
		return err
	}
	metrics.TimestampAccepted.Inc()

	proposedIdx := hello.ReceiverIndex
	if proposedIdx == protocol.BootstrapReceiverIdx {
		return errors.Wrap(protocol.ErrMalformedPacket, "client proposed the bootstrap index")
	}

	if h.state.KnownIndex(proposedIdx) {
		// Do not bind; the client may retry with a new index on this
		// same connection.
		metrics.ReceiverIndexCollisions.Inc()
		h.log.WithField("receiver_idx", proposedIdx).Warn("receiver index collision")
		return h.sendPacket(protocol.NewControlPacket(proposedIdx, protocol.TagCollision), nil)
	}

	machine, err := protocol.NewResponderStateMachine(proposedIdx, h.state.LocalStatic, hello)
	if err != nil {
		metrics.Errors.WithLabelValues("client_hello").Inc()
		return err
	}
	if _, err := machine.StartHandshake(); err != nil {
		metrics.Errors.WithLabelValues("client_hello").Inc()
		return err
	}

	h.bound = true
	h.boundIdx = proposedIdx
	h.state.PutHandshake(proposedIdx, NewSessionEntry(machine))
	h.log.WithField("receiver_idx", proposedIdx).Debug("accepted client hello, awaiting noise message 1")

	return h.sendPacket(protocol.NewControlPacket(proposedIdx, protocol.TagAck), nil)
}

// handleHandshakePacket feeds a packet to an in-progress handshake; on
// completion the state moves to the session map and the client gets an
// Ack.
func (h *ConnectionHandler) handleHandshakePacket(receiverIdx uint32, entry *SessionEntry, packet *protocol.Packet) error {
	entry.Lock()
	action, err := entry.Machine.ProcessPacket(packet)
	outerKey := entry.Machine.OuterAeadKey()
	var ackPacket *protocol.Packet
	if err == nil && action.Kind == protocol.ActionHandshakeComplete {
		ackPacket = entry.Machine.NextControlPacket(protocol.TagAck)
	}
	entry.Unlock()
	entry.Touch()

	if err != nil {
		metrics.Errors.WithLabelValues("handshake").Inc()
		return errors.Wrapf(err, "handshake on receiver_idx %d", receiverIdx)
	}

	switch action.Kind {
	case protocol.ActionSend:
		return h.sendPacket(action.Packet, outerKey)

	case protocol.ActionHandshakeComplete:
		h.state.PromoteHandshake(receiverIdx)
		metrics.HandshakesSuccess.Inc()
		h.log.WithField("receiver_idx", receiverIdx).Info("handshake complete")
		return h.sendPacket(ackPacket, outerKey)

	case protocol.ActionNone:
		return nil

	default:
		metrics.Errors.WithLabelValues("handshake").Inc()
		return errors.Wrapf(protocol.ErrUnexpectedTransition, "action %d during handshake", action.Kind)
	}
}

// handleTransportPacket feeds a packet to an established session and
// acts on the result: deliver application data, answer a rekey, or
// promote a completed subsession.
func (h *ConnectionHandler) handleTransportPacket(receiverIdx uint32, entry *SessionEntry, packet *protocol.Packet) error {
	entry.Lock()
	action, err := entry.Machine.ProcessPacket(packet)
	outerKey := entry.Machine.OuterAeadKey()
	entry.Unlock()
	entry.Touch()

	if err != nil {
		metrics.Errors.WithLabelValues("transport").Inc()
		return errors.Wrapf(err, "transport on receiver_idx %d", receiverIdx)
	}

	switch action.Kind {
	case protocol.ActionSend:
		// Subsession KK2 response.
		return h.sendPacket(action.Packet, outerKey)

	case protocol.ActionDeliver:
		return h.handleDecryptedPayload(receiverIdx, entry, action.Data)

	case protocol.ActionSubsessionComplete:
		return h.handleSubsessionComplete(receiverIdx, action, outerKey)

	case protocol.ActionNone:
		return nil

	default:
		metrics.Errors.WithLabelValues("transport").Inc()
		return errors.Wrapf(protocol.ErrUnexpectedTransition, "action %d in transport", action.Kind)
	}
}

// handleDecryptedPayload decodes an application payload (registration or
// forwarding) and sends back the encrypted response on the same session.
func (h *ConnectionHandler) handleDecryptedPayload(receiverIdx uint32, entry *SessionEntry, data []byte) error {
	reg, fwd, err := DecodeApplicationPayload(data)
	if err != nil {
		metrics.Errors.WithLabelValues("unknown_payload_type").Inc()
		return err
	}

	var responseBytes []byte
	switch {
	case reg != nil:
		response := h.processRegistration(reg)
		responseBytes = response.Encode()
		if response.Success {
			h.log.WithField("receiver_idx", receiverIdx).Info("registration successful")
		} else {
			h.log.WithFields(logrus.Fields{
				"receiver_idx": receiverIdx,
				"reason":       response.Message,
			}).Warn("registration failed")
		}

	case fwd != nil:
		responseBytes, err = h.forwardPacket(fwd)
		if errors.Is(err, protocol.ErrAtCapacity) {
			// The client can back off and retry; tell it so.
			h.log.Warn("rejecting forward at capacity")
			entry.Lock()
			busy := entry.Machine.NextControlPacket(protocol.TagBusy)
			busyKey := entry.Machine.OuterAeadKey()
			entry.Unlock()
			return h.sendPacket(busy, busyKey)
		}
		if err != nil {
			return err
		}
	}

	entry.Lock()
	action, err := entry.Machine.ProcessApplicationData(responseBytes)
	outerKey := entry.Machine.OuterAeadKey()
	entry.Unlock()
	if err != nil {
		return err
	}
	return h.sendPacket(action.Packet, outerKey)
}

// processRegistration acknowledges a registration request. Credential
// verification and bandwidth bookkeeping live behind external
// collaborators; here the gateway records the client and accepts.
func (h *ConnectionHandler) processRegistration(req *RegistrationRequest) *RegistrationResponse {
	switch req.Mode {
	case RegistrationModeEntry, RegistrationModeExit:
		return &RegistrationResponse{Success: true}
	default:
		return &RegistrationResponse{Success: false, Message: "unsupported registration mode"}
	}
}

// handleSubsessionComplete promotes a finished rekey: the new session is
// stored under its client-generated index (re-checked for collisions)
// and the old one stays read-only until TTL cleanup evicts it.
func (h *ConnectionHandler) handleSubsessionComplete(oldIdx uint32, action protocol.Action, outerKey *protocol.OuterKey) error {
	if action.Packet != nil {
		if err := h.sendPacket(action.Packet, outerKey); err != nil {
			return err
		}
	}

	newIdx := action.NewReceiverIndex
	if h.state.KnownIndex(newIdx) {
		metrics.ReceiverIndexCollisions.Inc()
		h.log.WithField("receiver_idx", newIdx).Warn("subsession receiver index collision")
		return errors.Wrapf(protocol.ErrReceiverIdxCollision, "subsession proposed occupied index %d", newIdx)
	}

	machine, err := protocol.NewStateMachineFromSubsession(action.Subsession, newIdx)
	if err != nil {
		return err
	}
	h.state.PutSession(newIdx, NewSessionEntry(machine))

	metrics.SubsessionsComplete.Inc()
	h.log.WithFields(logrus.Fields{
		"old_receiver_idx": oldIdx,
		"new_receiver_idx": newIdx,
	}).Info("subsession promoted")
	return nil
}

// sendPacket serializes and writes one framed packet.
func (h *ConnectionHandler) sendPacket(packet *protocol.Packet, outerKey *protocol.OuterKey) error {
	raw, err := protocol.SerializePacket(packet, outerKey)
	if err != nil {
		return err
	}
	if err := protocol.WriteFramed(h.stream, raw); err != nil {
		return errors.Wrap(err, "sending packet")
	}
	h.stats.RecordBytesSent(protocol.LengthPrefixSize + len(raw))
	return nil
}
