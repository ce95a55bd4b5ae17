package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frameMessage(seq uint16, data []byte) []byte {
	wire := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(wire, seq)
	copy(wire[2:], data)
	return wire
}

func TestChannelSendReceive(t *testing.T) {
	ch := NewChannel(0, DefaultChannelConfig())

	if err := ch.Send([]byte("hello"), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	seq, wire, reliable, ok := ch.NextOutgoing()
	if !ok {
		t.Fatal("NextOutgoing returned nothing")
	}
	if seq != 0 || !reliable {
		t.Errorf("outgoing seq = %d reliable = %v, want 0 true", seq, reliable)
	}

	ch.OnPacketReceived(wire)
	got, ok := ch.Receive()
	if !ok || !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Receive() = %q, %v, want \"hello\", true", got, ok)
	}
}

func TestChannelMessageTooLarge(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.MaxMessageSize = 4
	ch := NewChannel(0, cfg)

	if err := ch.Send([]byte("too long"), false); err != ErrMessageTooLarge {
		t.Errorf("Send() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestChannelBufferFullBlocking(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.MessageBufferSize = 2
	cfg.BlockOnFull = true
	ch := NewChannel(0, cfg)

	if err := ch.Send([]byte("a"), false); err != nil {
		t.Fatalf("Send(a) failed: %v", err)
	}
	if err := ch.Send([]byte("b"), false); err != nil {
		t.Fatalf("Send(b) failed: %v", err)
	}
	if err := ch.Send([]byte("c"), false); err != ErrBufferFull {
		t.Errorf("Send(c) error = %v, want ErrBufferFull", err)
	}
	if got := ch.Stats().SendBufferSize; got != 2 {
		t.Errorf("send buffer size = %d, want 2 (state unchanged)", got)
	}
}

func TestChannelBufferFullEvictsOldest(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.MessageBufferSize = 2
	cfg.BlockOnFull = false
	ch := NewChannel(0, cfg)

	ch.Send([]byte("a"), false)
	ch.Send([]byte("b"), false)
	if err := ch.Send([]byte("c"), false); err != nil {
		t.Fatalf("Send(c) failed: %v", err)
	}

	_, wire, _, ok := ch.NextOutgoing()
	if !ok {
		t.Fatal("NextOutgoing returned nothing")
	}
	if !bytes.Equal(wire[2:], []byte("b")) {
		t.Errorf("oldest message = %q, want \"b\" after eviction", wire[2:])
	}
}

func TestChannelOrderedBuffersOutOfOrder(t *testing.T) {
	cfg := DefaultChannelConfig() // Reliable / Ordered
	ch := NewChannel(0, cfg)

	ch.OnPacketReceived(frameMessage(1, []byte("second")))
	if _, ok := ch.Receive(); ok {
		t.Fatal("message 1 delivered before message 0")
	}

	ch.OnPacketReceived(frameMessage(2, []byte("third")))
	ch.OnPacketReceived(frameMessage(0, []byte("first")))

	want := []string{"first", "second", "third"}
	for _, w := range want {
		got, ok := ch.Receive()
		if !ok || string(got) != w {
			t.Fatalf("Receive() = %q, %v, want %q", got, ok, w)
		}
	}
	if _, ok := ch.Receive(); ok {
		t.Error("unexpected extra message")
	}
}

func TestChannelOrderedDropsStale(t *testing.T) {
	ch := NewChannel(0, DefaultChannelConfig())

	ch.OnPacketReceived(frameMessage(0, []byte("first")))
	ch.Receive()

	// Retransmitted duplicate of an already-delivered message.
	ch.OnPacketReceived(frameMessage(0, []byte("first")))
	if _, ok := ch.Receive(); ok {
		t.Error("stale message delivered twice")
	}
}

func TestChannelSequencedDiscardsOlder(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.Reliability = Unreliable
	cfg.Ordering = Sequenced
	ch := NewChannel(0, cfg)

	ch.OnPacketReceived(frameMessage(5, []byte("newer")))
	got, ok := ch.Receive()
	if !ok || string(got) != "newer" {
		t.Fatalf("Receive() = %q, %v, want \"newer\"", got, ok)
	}

	ch.OnPacketReceived(frameMessage(3, []byte("older")))
	if _, ok := ch.Receive(); ok {
		t.Error("older sequence delivered on sequenced channel")
	}

	ch.OnPacketReceived(frameMessage(6, []byte("newest")))
	got, ok = ch.Receive()
	if !ok || string(got) != "newest" {
		t.Errorf("Receive() = %q, %v, want \"newest\"", got, ok)
	}
}

func TestChannelUnreliableOrderedReceivesLikeSequenced(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.Reliability = UnreliableOrdered
	cfg.Ordering = Unordered
	ch := NewChannel(0, cfg)

	ch.OnPacketReceived(frameMessage(2, []byte("b")))
	ch.OnPacketReceived(frameMessage(1, []byte("a")))

	got, ok := ch.Receive()
	if !ok || string(got) != "b" {
		t.Fatalf("Receive() = %q, %v, want \"b\"", got, ok)
	}
	if _, ok := ch.Receive(); ok {
		t.Error("stale message delivered on unreliable ordered channel")
	}
}

func TestChannelAcknowledgeRemovesReliable(t *testing.T) {
	ch := NewChannel(0, DefaultChannelConfig())

	ch.Send([]byte("keep until acked"), true)
	seq, _, _, ok := ch.NextOutgoing()
	if !ok {
		t.Fatal("NextOutgoing returned nothing")
	}

	if got := ch.Stats().SendBufferSize; got != 1 {
		t.Fatalf("send buffer size = %d, want 1 before ack", got)
	}

	ch.Acknowledge(seq)
	if got := ch.Stats().SendBufferSize; got != 0 {
		t.Errorf("send buffer size = %d, want 0 after ack", got)
	}
}

func TestChannelUnreliableLeavesBufferOnSend(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.Reliability = Unreliable
	ch := NewChannel(0, cfg)

	ch.Send([]byte("fire and forget"), false)
	if _, _, _, ok := ch.NextOutgoing(); !ok {
		t.Fatal("NextOutgoing returned nothing")
	}
	if got := ch.Stats().SendBufferSize; got != 0 {
		t.Errorf("send buffer size = %d, want 0 after unreliable transmit", got)
	}
}

func TestChannelReset(t *testing.T) {
	ch := NewChannel(0, DefaultChannelConfig())

	ch.Send([]byte("x"), true)
	ch.OnPacketReceived(frameMessage(0, []byte("y")))
	ch.Reset()

	if got := ch.Stats().SendBufferSize; got != 0 {
		t.Errorf("send buffer size = %d after reset", got)
	}
	if _, ok := ch.Receive(); ok {
		t.Error("delivery queue should be empty after reset")
	}
	ch.Send([]byte("z"), true)
	seq, _, _, _ := ch.NextOutgoing()
	if seq != 0 {
		t.Errorf("sequence after reset = %d, want 0", seq)
	}
}
