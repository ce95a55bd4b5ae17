package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PacketType tags the variant carried after the header.
type PacketType byte

const (
	PacketConnectionRequest PacketType = iota
	PacketConnectionChallenge
	PacketConnectionResponse
	PacketConnectionAccept
	PacketConnectionDeny
	PacketKeepAlive
	PacketDisconnect
	PacketPayload
)

func (t PacketType) String() string {
	switch t {
	case PacketConnectionRequest:
		return "ConnectionRequest"
	case PacketConnectionChallenge:
		return "ConnectionChallenge"
	case PacketConnectionResponse:
		return "ConnectionResponse"
	case PacketConnectionAccept:
		return "ConnectionAccept"
	case PacketConnectionDeny:
		return "ConnectionDeny"
	case PacketKeepAlive:
		return "KeepAlive"
	case PacketDisconnect:
		return "Disconnect"
	case PacketPayload:
		return "Payload"
	}
	return "Unknown"
}

// Disconnect and deny reason codes. The values are part of the wire format.
const (
	ReasonNormal           byte = 0
	ReasonTimeout          byte = 1
	ReasonServerFull       byte = 2
	ReasonProtocolMismatch byte = 3
	ReasonKicked           byte = 4
)

var (
	ErrTruncatedPacket   = errors.New("protocol: truncated packet")
	ErrUnknownPacketType = errors.New("protocol: unknown packet type")
)

// HeaderSize is the fixed wire size of PacketHeader.
const HeaderSize = 12

// PacketHeader rides at the front of every datagram. Ack is the last
// in-order sequence received; bit i of AckBits marks Ack-(i+1) as received.
// All fields are little-endian on the wire.
type PacketHeader struct {
	ProtocolID uint32
	Sequence   uint16
	Ack        uint16
	AckBits    uint32
}

// Packet is the wire unit: header, variant tag, then variant fields.
// Which extra fields are meaningful depends on Type.
type Packet struct {
	Header PacketHeader
	Type   PacketType

	ServerSalt uint64 // ConnectionChallenge
	ClientSalt uint64 // ConnectionResponse
	Reason     byte   // ConnectionDeny, Disconnect
	Channel    byte   // Payload
	IsFragment bool   // Payload
	Payload    []byte // Payload
}

func (p *Packet) Serialize() []byte {
	buf := make([]byte, 0, HeaderSize+1+len(p.Payload)+10)
	buf = binary.LittleEndian.AppendUint32(buf, p.Header.ProtocolID)
	buf = binary.LittleEndian.AppendUint16(buf, p.Header.Sequence)
	buf = binary.LittleEndian.AppendUint16(buf, p.Header.Ack)
	buf = binary.LittleEndian.AppendUint32(buf, p.Header.AckBits)
	buf = append(buf, byte(p.Type))

	switch p.Type {
	case PacketConnectionChallenge:
		buf = binary.LittleEndian.AppendUint64(buf, p.ServerSalt)
	case PacketConnectionResponse:
		buf = binary.LittleEndian.AppendUint64(buf, p.ClientSalt)
	case PacketConnectionDeny, PacketDisconnect:
		buf = append(buf, p.Reason)
	case PacketPayload:
		buf = append(buf, p.Channel)
		var flags byte
		if p.IsFragment {
			flags |= 0x01
		}
		buf = append(buf, flags)
		buf = append(buf, p.Payload...)
	}

	return buf
}

func Deserialize(data []byte) (*Packet, error) {
	if len(data) < HeaderSize+1 {
		return nil, ErrTruncatedPacket
	}

	p := &Packet{
		Header: PacketHeader{
			ProtocolID: binary.LittleEndian.Uint32(data[0:4]),
			Sequence:   binary.LittleEndian.Uint16(data[4:6]),
			Ack:        binary.LittleEndian.Uint16(data[6:8]),
			AckBits:    binary.LittleEndian.Uint32(data[8:12]),
		},
		Type: PacketType(data[12]),
	}

	rest := data[HeaderSize+1:]

	switch p.Type {
	case PacketConnectionRequest, PacketConnectionAccept, PacketKeepAlive:

	case PacketConnectionChallenge:
		if len(rest) < 8 {
			return nil, ErrTruncatedPacket
		}
		p.ServerSalt = binary.LittleEndian.Uint64(rest)

	case PacketConnectionResponse:
		if len(rest) < 8 {
			return nil, ErrTruncatedPacket
		}
		p.ClientSalt = binary.LittleEndian.Uint64(rest)

	case PacketConnectionDeny, PacketDisconnect:
		if len(rest) < 1 {
			return nil, ErrTruncatedPacket
		}
		p.Reason = rest[0]

	case PacketPayload:
		if len(rest) < 2 {
			return nil, ErrTruncatedPacket
		}
		p.Channel = rest[0]
		p.IsFragment = rest[1]&0x01 != 0
		if len(rest) > 2 {
			p.Payload = make([]byte, len(rest)-2)
			copy(p.Payload, rest[2:])
		}

	default:
		return nil, errors.Wrapf(ErrUnknownPacketType, "tag 0x%02X", byte(p.Type))
	}

	return p, nil
}
