package protocol

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lp-gateway-go/pkg/logger"
)

// Session transport sub-states. The state machine is the sole authority
// over transitions between them.
type LpState int

const (
	StateInitial LpState = iota
	StateKKTExchange
	StateHandshakeInProgress
	StateTransport
	StateSubsessionPending
	StateReadOnlyTransport
)

func (s LpState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateKKTExchange:
		return "KKTExchange"
	case StateHandshakeInProgress:
		return "HandshakeInProgress"
	case StateTransport:
		return "Transport"
	case StateSubsessionPending:
		return "SubsessionPending"
	case StateReadOnlyTransport:
		return "ReadOnlyTransport"
	default:
		return "Unknown"
	}
}

// ActionKind discriminates the outputs of the state machine.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSend
	ActionDeliver
	ActionHandshakeComplete
	ActionSubsessionComplete
)

// Action is what the caller must do after feeding an input: send a
// packet, deliver plaintext to the application, or promote a completed
// subsession under its new receiver index.
type Action struct {
	Kind             ActionKind
	Packet           *Packet
	Data             []byte
	Subsession       *NoiseSession
	NewReceiverIndex uint32
}

// subsession KK1 body: new receiver index u32 BE | 32B salt | noise msg1
const subsessionKK1HeaderSize = 4 + 32

// StateMachine drives one session from handshake through transport and
// optional rekeying. It is not safe for concurrent use; callers hold the
// session entry's lock.
type StateMachine struct {
	receiverIdx uint32
	initiator   bool
	state       LpState
	session     *NoiseSession

	localStatic noise.DHKey
	peerStatic  []byte

	// outer counters, strictly increasing per direction
	sendCounter     uint64
	lastRecvCounter uint64

	// pending rekey state (responder between KK2 and SubsessionReady)
	pendingSub    *NoiseSession
	pendingSubIdx uint32

	log *logrus.Entry
}

// NewResponderStateMachine builds the server-side machine from an
// accepted ClientHello.
func NewResponderStateMachine(receiverIdx uint32, localStatic noise.DHKey, hello *ClientHelloData) (*StateMachine, error) {
	session, err := NewNoiseSession(false, localStatic, hello.ClientX25519Key[:], hello.Salt)
	if err != nil {
		return nil, err
	}
	return &StateMachine{
		receiverIdx: receiverIdx,
		state:       StateInitial,
		session:     session,
		localStatic: localStatic,
		peerStatic:  hello.ClientX25519Key[:],
		log: logger.L().WithFields(logrus.Fields{
			"receiver_idx": receiverIdx,
			"role":         "responder",
		}),
	}, nil
}

// NewInitiatorStateMachine builds the client-side machine.
func NewInitiatorStateMachine(receiverIdx uint32, localStatic noise.DHKey, serverStatic []byte, salt [32]byte) (*StateMachine, error) {
	session, err := NewNoiseSession(true, localStatic, serverStatic, salt)
	if err != nil {
		return nil, err
	}
	return &StateMachine{
		receiverIdx: receiverIdx,
		initiator:   true,
		state:       StateInitial,
		session:     session,
		localStatic: localStatic,
		peerStatic:  serverStatic,
		log: logger.L().WithFields(logrus.Fields{
			"receiver_idx": receiverIdx,
			"role":         "initiator",
		}),
	}, nil
}

// NewStateMachineFromSubsession promotes a completed subsession into a
// fresh Transport-state machine under its new receiver index.
func NewStateMachineFromSubsession(sub *NoiseSession, receiverIdx uint32) (*StateMachine, error) {
	if sub == nil || !sub.Established() {
		return nil, errors.Wrap(ErrUnexpectedTransition, "subsession is not established")
	}
	return &StateMachine{
		receiverIdx: receiverIdx,
		initiator:   sub.initiator,
		state:       StateTransport,
		session:     sub,
		log: logger.L().WithFields(logrus.Fields{
			"receiver_idx": receiverIdx,
			"role":         "subsession",
		}),
	}, nil
}

// ReceiverIdx returns the session identifier this machine serves.
func (m *StateMachine) ReceiverIdx() uint32 {
	return m.receiverIdx
}

// State returns the current transport sub-state.
func (m *StateMachine) State() LpState {
	return m.state
}

// Session exposes the underlying Noise session, from which the optional
// outer-AEAD key is derivable.
func (m *StateMachine) Session() *NoiseSession {
	return m.session
}

// OuterAeadKey is a routing convenience for the connection handler.
func (m *StateMachine) OuterAeadKey() *OuterKey {
	return m.session.OuterAeadKey()
}

func (m *StateMachine) nextCounter() uint64 {
	m.sendCounter++
	return m.sendCounter
}

func (m *StateMachine) outgoing(tag uint8, payload []byte) *Packet {
	return &Packet{
		Header:  NewOuterHeader(m.receiverIdx, m.nextCounter()),
		Message: Message{Tag: tag, Payload: payload},
	}
}

// NextControlPacket builds a control packet (Ack, Busy) that consumes
// the session's next outer counter, so it stays monotonic alongside the
// encrypted traffic.
func (m *StateMachine) NextControlPacket(tag uint8) *Packet {
	return m.outgoing(tag, nil)
}

// checkCounter enforces strict counter monotonicity for packets that
// arrived under outer encryption. Cleartext bootstrap traffic (counter
// before PSK derivation) is exempt.
func (m *StateMachine) checkCounter(header OuterHeader) error {
	if m.session.OuterAeadKey() == nil {
		return nil
	}
	if header.Counter <= m.lastRecvCounter {
		return errors.Wrapf(ErrCryptoFailure, "counter %d not above %d", header.Counter, m.lastRecvCounter)
	}
	m.lastRecvCounter = header.Counter
	return nil
}

// StartHandshake is the first input. The responder just arms itself for
// the client's opening Noise message; the initiator emits it.
func (m *StateMachine) StartHandshake() (Action, error) {
	if m.state != StateInitial {
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "StartHandshake in %s", m.state)
	}
	m.state = StateKKTExchange

	if !m.initiator {
		return Action{Kind: ActionNone}, nil
	}

	msg, err := m.session.WriteInitialMessage()
	if err != nil {
		m.state = StateInitial
		return Action{}, err
	}
	return Action{Kind: ActionSend, Packet: m.outgoing(TagHandshake, msg)}, nil
}

// ProcessPacket feeds one received packet into the machine and returns
// the resulting action. Inputs rejected in the current state leave it
// unchanged and return ErrUnexpectedTransition; crypto failures return
// ErrCryptoFailure.
func (m *StateMachine) ProcessPacket(p *Packet) (Action, error) {
	if err := m.checkCounter(p.Header); err != nil {
		return Action{}, err
	}

	switch m.state {
	case StateKKTExchange:
		return m.processKKTExchange(p)
	case StateHandshakeInProgress:
		return m.processHandshakeInProgress(p)
	case StateTransport:
		return m.processTransport(p)
	case StateSubsessionPending:
		return m.processSubsessionPending(p)
	case StateReadOnlyTransport:
		return m.processReadOnly(p)
	default:
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "packet tag %d in %s", p.Message.Tag, m.state)
	}
}

func (m *StateMachine) processKKTExchange(p *Packet) (Action, error) {
	if p.Message.Tag != TagHandshake {
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "tag %d in %s", p.Message.Tag, m.state)
	}

	reply, established, err := m.session.ProcessHandshakeMessage(p.Message.Payload)
	if err != nil {
		return Action{}, err
	}

	if m.initiator {
		if !established {
			return Action{}, errors.Wrap(ErrCryptoFailure, "initiator handshake did not complete on message 2")
		}
		confirm, err := m.session.MakeConfirm()
		if err != nil {
			return Action{}, err
		}
		m.state = StateTransport
		// The confirm still needs to reach the responder; completion and
		// the outgoing packet are reported together.
		return Action{Kind: ActionHandshakeComplete, Packet: m.outgoing(TagHandshake, confirm)}, nil
	}

	m.state = StateHandshakeInProgress
	return Action{Kind: ActionSend, Packet: m.outgoing(TagHandshake, reply)}, nil
}

func (m *StateMachine) processHandshakeInProgress(p *Packet) (Action, error) {
	if p.Message.Tag != TagHandshake {
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "tag %d in %s", p.Message.Tag, m.state)
	}
	if m.initiator {
		return Action{}, errors.Wrap(ErrUnexpectedTransition, "initiator does not process messages here")
	}

	if err := m.session.ConfirmHandshake(p.Message.Payload); err != nil {
		return Action{}, err
	}
	m.state = StateTransport
	m.log.Info("handshake complete")
	return Action{Kind: ActionHandshakeComplete}, nil
}

func (m *StateMachine) processTransport(p *Packet) (Action, error) {
	switch p.Message.Tag {
	case TagEncryptedData:
		plaintext, err := m.session.DecryptData(p.Message.Payload)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionDeliver, Data: plaintext}, nil

	case TagSubsessionKK1:
		return m.processSubsessionKK1(p.Message.Payload)

	case TagAck, TagBusy:
		return Action{Kind: ActionNone}, nil

	default:
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "tag %d in %s", p.Message.Tag, m.state)
	}
}

func (m *StateMachine) processSubsessionKK1(payload []byte) (Action, error) {
	if m.initiator {
		return Action{}, errors.Wrap(ErrUnexpectedTransition, "initiator received subsession KK1")
	}
	if len(payload) < subsessionKK1HeaderSize {
		return Action{}, errors.Wrapf(ErrMalformedPacket, "subsession KK1 body is %d bytes", len(payload))
	}

	newIdx := binary.BigEndian.Uint32(payload[0:4])
	var salt [32]byte
	copy(salt[:], payload[4:36])
	noiseMsg := payload[36:]

	sub, err := NewNoiseSession(false, m.localStatic, m.peerStatic, salt)
	if err != nil {
		return Action{}, err
	}
	reply, _, err := sub.ProcessHandshakeMessage(noiseMsg)
	if err != nil {
		return Action{}, err
	}

	m.pendingSub = sub
	m.pendingSubIdx = newIdx
	m.state = StateSubsessionPending
	m.log.WithField("new_receiver_idx", newIdx).Debug("subsession KK1 accepted")
	return Action{Kind: ActionSend, Packet: m.outgoing(TagSubsessionKK2, reply)}, nil
}

func (m *StateMachine) processSubsessionPending(p *Packet) (Action, error) {
	switch p.Message.Tag {
	case TagSubsessionKK2:
		return m.processSubsessionKK2(p.Message.Payload)

	case TagSubsessionReady:
		if m.initiator {
			return Action{}, errors.Wrap(ErrUnexpectedTransition, "initiator received SubsessionReady")
		}
		if err := m.pendingSub.ConfirmHandshake(p.Message.Payload); err != nil {
			return Action{}, err
		}
		sub := m.pendingSub
		newIdx := m.pendingSubIdx
		m.pendingSub = nil
		m.state = StateReadOnlyTransport
		m.log.WithField("new_receiver_idx", newIdx).Info("subsession promoted, session is now read-only")
		return Action{
			Kind:             ActionSubsessionComplete,
			Subsession:       sub,
			NewReceiverIndex: newIdx,
		}, nil

	case TagEncryptedData:
		// In-flight data from before the rekey is still deliverable.
		plaintext, err := m.session.DecryptData(p.Message.Payload)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionDeliver, Data: plaintext}, nil

	default:
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "tag %d in %s", p.Message.Tag, m.state)
	}
}

func (m *StateMachine) processReadOnly(p *Packet) (Action, error) {
	if p.Message.Tag != TagEncryptedData {
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "tag %d in %s", p.Message.Tag, m.state)
	}
	plaintext, err := m.session.DecryptData(p.Message.Payload)
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionDeliver, Data: plaintext}, nil
}

// ProcessApplicationData encrypts outbound application bytes into an
// EncryptedData packet. Read-only sessions cannot send.
func (m *StateMachine) ProcessApplicationData(data []byte) (Action, error) {
	if m.state != StateTransport {
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "cannot send application data in %s", m.state)
	}
	ciphertext, err := m.session.EncryptData(data)
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionSend, Packet: m.outgoing(TagEncryptedData, ciphertext)}, nil
}

// StartSubsession begins a rekey from the initiator side: a fresh Noise
// session under a new salt and a randomly generated receiver index. The
// returned KK1 packet travels on the old session.
func (m *StateMachine) StartSubsession(salt [32]byte) (Action, error) {
	if !m.initiator || m.state != StateTransport {
		return Action{}, errors.Wrapf(ErrUnexpectedTransition, "StartSubsession in %s", m.state)
	}

	var idxBuf [4]byte
	if _, err := rand.Read(idxBuf[:]); err != nil {
		return Action{}, errors.Wrap(ErrCryptoFailure, err.Error())
	}
	newIdx := binary.BigEndian.Uint32(idxBuf[:])
	if newIdx == BootstrapReceiverIdx {
		newIdx = 1
		binary.BigEndian.PutUint32(idxBuf[:], newIdx)
	}

	sub, err := NewNoiseSession(true, m.localStatic, m.peerStatic, salt)
	if err != nil {
		return Action{}, err
	}
	msg1, err := sub.WriteInitialMessage()
	if err != nil {
		return Action{}, err
	}

	payload := make([]byte, 0, subsessionKK1HeaderSize+len(msg1))
	payload = append(payload, idxBuf[:]...)
	payload = append(payload, salt[:]...)
	payload = append(payload, msg1...)

	m.pendingSub = sub
	m.pendingSubIdx = newIdx
	m.state = StateSubsessionPending
	return Action{Kind: ActionSend, Packet: m.outgoing(TagSubsessionKK1, payload)}, nil
}

// processSubsessionKK2 completes the initiator side of a rekey: the old
// session becomes read-only and the caller promotes the subsession,
// sending the returned SubsessionReady packet on the old session.
func (m *StateMachine) processSubsessionKK2(payload []byte) (Action, error) {
	if !m.initiator {
		return Action{}, errors.Wrap(ErrUnexpectedTransition, "responder received SubsessionKK2")
	}

	_, established, err := m.pendingSub.ProcessHandshakeMessage(payload)
	if err != nil {
		return Action{}, err
	}
	if !established {
		return Action{}, errors.Wrap(ErrCryptoFailure, "subsession did not complete on KK2")
	}
	confirm, err := m.pendingSub.MakeConfirm()
	if err != nil {
		return Action{}, err
	}

	sub := m.pendingSub
	newIdx := m.pendingSubIdx
	m.pendingSub = nil
	m.state = StateReadOnlyTransport
	return Action{
		Kind:             ActionSubsessionComplete,
		Packet:           m.outgoing(TagSubsessionReady, confirm),
		Subsession:       sub,
		NewReceiverIndex: newIdx,
	}, nil
}
