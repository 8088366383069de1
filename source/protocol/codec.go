package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Protocol constants
const (
	ProtocolVersion = 1

	// Outer header layout (cleartext, fixed size):
	// version u8 | reserved u8 | receiver_idx u32 BE | counter u64 BE
	OuterHeaderSize = 14

	// Framing on a stream: 4-byte big-endian length prefix per packet.
	LengthPrefixSize = 4
	MaxPacketSize    = 65536

	// BootstrapReceiverIdx is reserved for the first handshake message
	// (ClientHello). All other receiver indices identify sessions.
	BootstrapReceiverIdx uint32 = 0
)

// Message tags (first byte of the packet payload)
const (
	TagClientHello uint8 = iota
	TagHandshake
	TagEncryptedData
	TagAck
	TagBusy
	TagCollision
	TagSubsessionKK1
	TagSubsessionKK2
	TagSubsessionReady
)

// OuterKey is the symmetric key for the outer AEAD layer, derived from
// Noise handshake material once the pre-shared key has been injected.
type OuterKey [32]byte

// OuterHeader is the cleartext routing prefix of every packet.
type OuterHeader struct {
	Version     uint8
	Reserved    uint8
	ReceiverIdx uint32
	Counter     uint64
}

func (h *OuterHeader) encode(buf []byte) {
	buf[0] = h.Version
	buf[1] = h.Reserved
	binary.BigEndian.PutUint32(buf[2:6], h.ReceiverIdx)
	binary.BigEndian.PutUint64(buf[6:14], h.Counter)
}

// NewOuterHeader builds a header for the current protocol version.
func NewOuterHeader(receiverIdx uint32, counter uint64) OuterHeader {
	return OuterHeader{Version: ProtocolVersion, ReceiverIdx: receiverIdx, Counter: counter}
}

// ClientHelloData is the body of a ClientHello message: the client's
// static X25519 public key, its Ed25519 identity key, a 32-byte salt whose
// first 8 bytes are a little-endian unix-seconds timestamp, and the
// client-proposed receiver index for the session being established.
type ClientHelloData struct {
	ClientX25519Key  [32]byte
	ClientEd25519Key [32]byte
	Salt             [32]byte
	ReceiverIndex    uint32
}

const clientHelloBodySize = 32 + 32 + 32 + 4

func (d *ClientHelloData) encode() []byte {
	buf := make([]byte, clientHelloBodySize)
	copy(buf[0:32], d.ClientX25519Key[:])
	copy(buf[32:64], d.ClientEd25519Key[:])
	copy(buf[64:96], d.Salt[:])
	binary.BigEndian.PutUint32(buf[96:100], d.ReceiverIndex)
	return buf
}

func decodeClientHello(body []byte) (*ClientHelloData, error) {
	if len(body) != clientHelloBodySize {
		return nil, errors.Wrapf(ErrMalformedPacket, "client hello body is %d bytes, want %d", len(body), clientHelloBodySize)
	}
	d := &ClientHelloData{}
	copy(d.ClientX25519Key[:], body[0:32])
	copy(d.ClientEd25519Key[:], body[32:64])
	copy(d.Salt[:], body[64:96])
	d.ReceiverIndex = binary.BigEndian.Uint32(body[96:100])
	return d, nil
}

// Message is the tag-discriminated payload of a packet. Hello is set only
// for TagClientHello; Payload carries the variant body for Handshake,
// EncryptedData and the subsession messages, and is empty for the control
// variants (Ack, Busy, Collision).
type Message struct {
	Tag     uint8
	Hello   *ClientHelloData
	Payload []byte
}

func (m *Message) encode() ([]byte, error) {
	switch m.Tag {
	case TagClientHello:
		if m.Hello == nil {
			return nil, errors.Wrap(ErrMalformedPacket, "client hello without body")
		}
		return append([]byte{TagClientHello}, m.Hello.encode()...), nil
	case TagHandshake, TagEncryptedData, TagSubsessionKK1, TagSubsessionKK2, TagSubsessionReady:
		return append([]byte{m.Tag}, m.Payload...), nil
	case TagAck, TagBusy, TagCollision:
		return []byte{m.Tag}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedPacket, "unknown message tag %d", m.Tag)
	}
}

func decodeMessage(body []byte) (*Message, error) {
	if len(body) < 1 {
		return nil, errors.Wrap(ErrMalformedPacket, "empty message body")
	}
	tag := body[0]
	rest := body[1:]
	switch tag {
	case TagClientHello:
		hello, err := decodeClientHello(rest)
		if err != nil {
			return nil, err
		}
		return &Message{Tag: tag, Hello: hello}, nil
	case TagHandshake, TagEncryptedData, TagSubsessionKK1, TagSubsessionKK2, TagSubsessionReady:
		payload := make([]byte, len(rest))
		copy(payload, rest)
		return &Message{Tag: tag, Payload: payload}, nil
	case TagAck, TagBusy, TagCollision:
		if len(rest) != 0 {
			return nil, errors.Wrapf(ErrMalformedPacket, "control message tag %d with %d trailing bytes", tag, len(rest))
		}
		return &Message{Tag: tag}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedPacket, "unknown message tag %d", tag)
	}
}

// Packet is an outer header plus a message.
type Packet struct {
	Header  OuterHeader
	Message Message
}

// NewControlPacket builds an unencrypted control packet (Ack, Busy,
// Collision) for the given receiver index.
func NewControlPacket(receiverIdx uint32, tag uint8) *Packet {
	return &Packet{
		Header:  NewOuterHeader(receiverIdx, 0),
		Message: Message{Tag: tag},
	}
}

// ParseHeaderOnly parses the fixed cleartext prefix needed for routing
// without requiring a key.
func ParseHeaderOnly(data []byte) (OuterHeader, error) {
	if len(data) < OuterHeaderSize {
		return OuterHeader{}, errors.Wrapf(ErrMalformedPacket, "packet is %d bytes, header needs %d", len(data), OuterHeaderSize)
	}
	h := OuterHeader{
		Version:     data[0],
		Reserved:    data[1],
		ReceiverIdx: binary.BigEndian.Uint32(data[2:6]),
		Counter:     binary.BigEndian.Uint64(data[6:14]),
	}
	if h.Version != ProtocolVersion {
		return OuterHeader{}, errors.Wrapf(ErrMalformedPacket, "unsupported protocol version %d", h.Version)
	}
	return h, nil
}

// aeadNonce expands the header counter into the 12-byte ChaCha20-Poly1305
// nonce: four zero bytes followed by the counter, big-endian.
func aeadNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// ParsePacket parses a full packet. When outerKey is non-nil the payload
// is decrypted under AEAD using the header counter as nonce material and
// the header bytes as associated data.
func ParsePacket(data []byte, outerKey *OuterKey) (*Packet, error) {
	header, err := ParseHeaderOnly(data)
	if err != nil {
		return nil, err
	}
	body := data[OuterHeaderSize:]

	if outerKey != nil {
		aead, err := chacha20poly1305.New(outerKey[:])
		if err != nil {
			return nil, errors.Wrap(ErrCryptoFailure, err.Error())
		}
		if len(body) < aead.Overhead() {
			return nil, errors.Wrap(ErrMalformedPacket, "ciphertext shorter than AEAD tag")
		}
		plaintext, err := aead.Open(nil, aeadNonce(header.Counter), body, data[:OuterHeaderSize])
		if err != nil {
			return nil, errors.Wrap(ErrCryptoFailure, "outer AEAD authentication failed")
		}
		body = plaintext
	}

	msg, err := decodeMessage(body)
	if err != nil {
		return nil, err
	}
	return &Packet{Header: header, Message: *msg}, nil
}

// SerializePacket is the symmetric inverse of ParsePacket: the header is
// always written in the clear, the message body is encrypted iff outerKey
// is supplied.
func SerializePacket(p *Packet, outerKey *OuterKey) ([]byte, error) {
	body, err := p.Message.encode()
	if err != nil {
		return nil, err
	}

	headerBuf := make([]byte, OuterHeaderSize)
	p.Header.encode(headerBuf)

	if outerKey != nil {
		aead, err := chacha20poly1305.New(outerKey[:])
		if err != nil {
			return nil, errors.Wrap(ErrCryptoFailure, err.Error())
		}
		body = aead.Seal(nil, aeadNonce(p.Header.Counter), body, headerBuf)
	}

	out := make([]byte, 0, OuterHeaderSize+len(body))
	out = append(out, headerBuf...)
	out = append(out, body...)
	if len(out) > MaxPacketSize {
		return nil, errors.Wrapf(ErrMalformedPacket, "serialized packet is %d bytes, max %d", len(out), MaxPacketSize)
	}
	return out, nil
}

// ReadFramed reads one length-prefixed packet from a stream. Oversize
// prefixes are rejected before any payload allocation.
func ReadFramed(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	packetLen := binary.BigEndian.Uint32(lenBuf[:])
	if packetLen > MaxPacketSize {
		return nil, errors.Wrapf(ErrMalformedPacket, "frame length %d exceeds maximum %d", packetLen, MaxPacketSize)
	}
	buf := make([]byte, packetLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFramed writes one length-prefixed packet to a stream.
func WriteFramed(w io.Writer, data []byte) error {
	if len(data) > MaxPacketSize {
		return errors.Wrapf(ErrMalformedPacket, "frame length %d exceeds maximum %d", len(data), MaxPacketSize)
	}
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
