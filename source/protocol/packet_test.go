package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderWireLayout(t *testing.T) {
	p := &Packet{
		Header: PacketHeader{
			ProtocolID: 0x12345678,
			Sequence:   0xABCD,
			Ack:        0x1122,
			AckBits:    0xDEADBEEF,
		},
		Type: PacketKeepAlive,
	}

	data := p.Serialize()

	if len(data) != HeaderSize+1 {
		t.Fatalf("KeepAlive length = %d, want %d", len(data), HeaderSize+1)
	}

	// Little-endian field order: protocol_id, sequence, ack, ack_bits, tag.
	expected := []byte{
		0x78, 0x56, 0x34, 0x12,
		0xCD, 0xAB,
		0x22, 0x11,
		0xEF, 0xBE, 0xAD, 0xDE,
		byte(PacketKeepAlive),
	}
	if !bytes.Equal(data, expected) {
		t.Errorf("wire bytes = % X, want % X", data, expected)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	header := PacketHeader{ProtocolID: 0x12345678, Sequence: 100, Ack: 99, AckBits: 0xFFFFFFFF}

	packets := []*Packet{
		{Header: header, Type: PacketConnectionRequest},
		{Header: header, Type: PacketConnectionChallenge, ServerSalt: 0xAAAABBBBCCCCDDDD},
		{Header: header, Type: PacketConnectionResponse, ClientSalt: 0x1111222233334444},
		{Header: header, Type: PacketConnectionAccept},
		{Header: header, Type: PacketConnectionDeny, Reason: ReasonServerFull},
		{Header: header, Type: PacketKeepAlive},
		{Header: header, Type: PacketDisconnect, Reason: ReasonKicked},
		{Header: header, Type: PacketPayload, Channel: 3, IsFragment: true, Payload: []byte{0xAA, 0xBB, 0xCC}},
		{Header: header, Type: PacketPayload, Channel: 0, Payload: nil},
	}

	for _, p := range packets {
		data := p.Serialize()
		got, err := Deserialize(data)
		if err != nil {
			t.Fatalf("%s: deserialize failed: %v", p.Type, err)
		}

		if got.Header != p.Header {
			t.Errorf("%s: header = %+v, want %+v", p.Type, got.Header, p.Header)
		}
		if got.Type != p.Type {
			t.Errorf("type = %s, want %s", got.Type, p.Type)
		}
		if got.ServerSalt != p.ServerSalt || got.ClientSalt != p.ClientSalt {
			t.Errorf("%s: salt mismatch", p.Type)
		}
		if got.Reason != p.Reason {
			t.Errorf("%s: reason = %d, want %d", p.Type, got.Reason, p.Reason)
		}
		if got.Channel != p.Channel || got.IsFragment != p.IsFragment {
			t.Errorf("%s: payload metadata mismatch", p.Type)
		}
		if !bytes.Equal(got.Payload, p.Payload) {
			t.Errorf("%s: payload = % X, want % X", p.Type, got.Payload, p.Payload)
		}

		// Byte-identical re-encode.
		if !bytes.Equal(got.Serialize(), data) {
			t.Errorf("%s: re-serialize differs from original bytes", p.Type)
		}
	}
}

func TestDeserializeErrors(t *testing.T) {
	if _, err := Deserialize(nil); err == nil {
		t.Error("empty buffer should fail")
	}
	if _, err := Deserialize(make([]byte, HeaderSize)); err == nil {
		t.Error("header without tag should fail")
	}

	bad := (&Packet{Type: PacketKeepAlive}).Serialize()
	bad[12] = 0xEE
	if _, err := Deserialize(bad); err == nil {
		t.Error("unknown tag should fail")
	}

	// Challenge missing its salt.
	short := (&Packet{Type: PacketConnectionChallenge, ServerSalt: 1}).Serialize()
	if _, err := Deserialize(short[:HeaderSize+1]); err == nil {
		t.Error("truncated challenge should fail")
	}
}
