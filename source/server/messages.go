package server

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"lp-gateway-go/source/protocol"
)

// Application payload type tags, carried as the first byte of decrypted
// transport data on an established session.
const (
	PayloadRegistration uint8 = 0x01
	PayloadForward      uint8 = 0x02
)

// Registration modes
const (
	RegistrationModeEntry uint8 = 0
	RegistrationModeExit  uint8 = 1
)

// RegistrationRequest registers the client with this gateway.
// Body: mode u8 | data_len u16 BE | data.
type RegistrationRequest struct {
	Mode uint8
	Data []byte
}

// Encode serializes the request with its payload tag.
func (r *RegistrationRequest) Encode() []byte {
	buf := make([]byte, 0, 4+len(r.Data))
	buf = append(buf, PayloadRegistration, r.Mode)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Data)))
	return append(buf, r.Data...)
}

func decodeRegistrationRequest(body []byte) (*RegistrationRequest, error) {
	if len(body) < 3 {
		return nil, errors.Wrapf(protocol.ErrMalformedPacket, "registration body is %d bytes", len(body))
	}
	dataLen := binary.BigEndian.Uint16(body[1:3])
	if int(dataLen) != len(body)-3 {
		return nil, errors.Wrapf(protocol.ErrMalformedPacket, "registration data length %d does not match %d remaining bytes", dataLen, len(body)-3)
	}
	data := make([]byte, dataLen)
	copy(data, body[3:])
	return &RegistrationRequest{Mode: body[0], Data: data}, nil
}

// RegistrationResponse is sent back encrypted on the same session.
// Body: success u8 | message_len u16 BE | message.
type RegistrationResponse struct {
	Success bool
	Message string
}

// Encode serializes the response.
func (r *RegistrationResponse) Encode() []byte {
	buf := make([]byte, 0, 3+len(r.Message))
	if r.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Message)))
	return append(buf, r.Message...)
}

// DecodeRegistrationResponse parses a response body.
func DecodeRegistrationResponse(body []byte) (*RegistrationResponse, error) {
	if len(body) < 3 {
		return nil, errors.Wrapf(protocol.ErrMalformedPacket, "registration response is %d bytes", len(body))
	}
	msgLen := binary.BigEndian.Uint16(body[1:3])
	if int(msgLen) != len(body)-3 {
		return nil, errors.Wrap(protocol.ErrMalformedPacket, "registration response length mismatch")
	}
	return &RegistrationResponse{Success: body[0] != 0, Message: string(body[3:])}, nil
}

// ForwardPacketData asks the gateway to relay an inner packet to another
// gateway (telescoped forwarding, hiding the client address).
// Body: addr_len u16 BE | target address | inner packet bytes.
type ForwardPacketData struct {
	TargetAddress    string
	InnerPacketBytes []byte
}

// Encode serializes the request with its payload tag.
func (f *ForwardPacketData) Encode() []byte {
	buf := make([]byte, 0, 3+len(f.TargetAddress)+len(f.InnerPacketBytes))
	buf = append(buf, PayloadForward)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.TargetAddress)))
	buf = append(buf, f.TargetAddress...)
	return append(buf, f.InnerPacketBytes...)
}

func decodeForwardPacketData(body []byte) (*ForwardPacketData, error) {
	if len(body) < 2 {
		return nil, errors.Wrapf(protocol.ErrMalformedPacket, "forward body is %d bytes", len(body))
	}
	addrLen := binary.BigEndian.Uint16(body[:2])
	if int(addrLen) > len(body)-2 {
		return nil, errors.Wrapf(protocol.ErrMalformedPacket, "forward address length %d exceeds body", addrLen)
	}
	addr := string(body[2 : 2+addrLen])
	inner := make([]byte, len(body)-2-int(addrLen))
	copy(inner, body[2+addrLen:])
	return &ForwardPacketData{TargetAddress: addr, InnerPacketBytes: inner}, nil
}

// DecodeApplicationPayload dispatches a decrypted transport payload to
// its concrete request type. Exactly one of the results is non-nil.
func DecodeApplicationPayload(data []byte) (*RegistrationRequest, *ForwardPacketData, error) {
	if len(data) < 1 {
		return nil, nil, errors.Wrap(protocol.ErrMalformedPacket, "empty application payload")
	}
	switch data[0] {
	case PayloadRegistration:
		req, err := decodeRegistrationRequest(data[1:])
		return req, nil, err
	case PayloadForward:
		fwd, err := decodeForwardPacketData(data[1:])
		return nil, fwd, err
	default:
		return nil, nil, errors.Wrapf(protocol.ErrMalformedPacket, "unknown application payload type %d", data[0])
	}
}
