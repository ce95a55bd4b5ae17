package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrMessageTooLarge = errors.New("protocol: message exceeds channel max size")
	ErrBufferFull      = errors.New("protocol: channel send buffer is full")
	ErrInvalidChannel  = errors.New("protocol: invalid channel id")
)

// channelMessageOverhead is the per-message wire framing: a 2-byte
// little-endian message sequence before the body.
const channelMessageOverhead = 2

type channelMessage struct {
	sequence   uint16
	data       []byte
	reliable   bool
	sent       bool
	retryCount int
}

// Channel is a logical substream with its own reliability and ordering
// policy, multiplexed over the connection's datagram flow. Ordering only
// shapes delivery to the application, never what goes on the wire.
type Channel struct {
	id     uint8
	config ChannelConfig

	// Send state. Entries stay queued until acknowledged (reliable) or
	// transmitted once (unreliable).
	sendSequence uint16
	sendBuffer   []*channelMessage

	// Receive state.
	receiveSequence uint16
	receivedAny     bool
	receiveBuffer   map[uint16][]byte
	deliveryQueue   [][]byte

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64
}

func NewChannel(id uint8, config ChannelConfig) *Channel {
	return &Channel{
		id:            id,
		config:        config,
		receiveBuffer: make(map[uint16][]byte),
	}
}

// Send queues data for transmission. When the buffer is full the oldest
// entry is evicted, unless BlockOnFull is set, in which case ErrBufferFull
// is returned and nothing changes.
func (c *Channel) Send(data []byte, reliable bool) error {
	if len(data) > c.config.MaxMessageSize {
		return ErrMessageTooLarge
	}

	if len(c.sendBuffer) >= c.config.MessageBufferSize {
		if c.config.BlockOnFull {
			return ErrBufferFull
		}
		c.sendBuffer = c.sendBuffer[1:]
	}

	msg := &channelMessage{
		sequence: c.sendSequence,
		data:     append([]byte(nil), data...),
		reliable: reliable,
	}
	c.sendSequence++

	c.sendBuffer = append(c.sendBuffer, msg)
	c.messagesSent++
	c.bytesSent += uint64(len(data))

	return nil
}

// NextOutgoing hands the packetizer the oldest untransmitted message,
// framed with its message sequence. Unreliable messages leave the buffer
// immediately; reliable ones stay until Acknowledge removes them.
func (c *Channel) NextOutgoing() (seq uint16, wire []byte, reliable, ok bool) {
	for i, msg := range c.sendBuffer {
		if msg.sent {
			continue
		}

		wire = make([]byte, channelMessageOverhead+len(msg.data))
		binary.LittleEndian.PutUint16(wire, msg.sequence)
		copy(wire[channelMessageOverhead:], msg.data)

		if msg.reliable {
			msg.sent = true
		} else {
			c.sendBuffer = append(c.sendBuffer[:i], c.sendBuffer[i+1:]...)
		}

		return msg.sequence, wire, msg.reliable, true
	}
	return 0, nil, false, false
}

// Acknowledge removes a transmitted reliable message from the send buffer.
func (c *Channel) Acknowledge(sequence uint16) {
	for i, msg := range c.sendBuffer {
		if msg.sequence == sequence {
			c.sendBuffer = append(c.sendBuffer[:i], c.sendBuffer[i+1:]...)
			return
		}
	}
}

// OnPacketReceived ingests the framed body of a payload packet and applies
// the channel's delivery policy.
func (c *Channel) OnPacketReceived(wire []byte) {
	if len(wire) < channelMessageOverhead {
		return
	}
	sequence := binary.LittleEndian.Uint16(wire)
	data := wire[channelMessageOverhead:]

	c.messagesReceived++
	c.bytesReceived += uint64(len(data))

	switch c.deliveryPolicy() {
	case Unordered:
		c.deliver(data)

	case Ordered:
		if sequence == c.receiveSequence {
			c.deliver(data)
			c.receiveSequence++
			c.drainContiguous()
		} else if SequenceGreaterThan(sequence, c.receiveSequence) {
			c.receiveBuffer[sequence] = append([]byte(nil), data...)
		}
		// Older than expected: already delivered, discard.

	case Sequenced:
		if !c.receivedAny || SequenceGreaterThan(sequence, c.receiveSequence) {
			c.receivedAny = true
			c.receiveSequence = sequence
			c.deliver(data)
		}
	}
}

// UnreliableOrdered receives like Sequenced: stale messages are discarded
// rather than reordered.
func (c *Channel) deliveryPolicy() Ordering {
	if c.config.Reliability == UnreliableOrdered {
		return Sequenced
	}
	return c.config.Ordering
}

func (c *Channel) deliver(data []byte) {
	c.deliveryQueue = append(c.deliveryQueue, append([]byte(nil), data...))
}

func (c *Channel) drainContiguous() {
	for {
		data, ok := c.receiveBuffer[c.receiveSequence]
		if !ok {
			return
		}
		delete(c.receiveBuffer, c.receiveSequence)
		c.deliveryQueue = append(c.deliveryQueue, data)
		c.receiveSequence++
	}
}

// Receive pops the next message ready for the application.
func (c *Channel) Receive() ([]byte, bool) {
	if len(c.deliveryQueue) == 0 {
		return nil, false
	}
	data := c.deliveryQueue[0]
	c.deliveryQueue = c.deliveryQueue[1:]
	return data, true
}

func (c *Channel) IsReliable() bool {
	return c.config.Reliability == Reliable
}

// Reset clears all channel state.
func (c *Channel) Reset() {
	c.sendSequence = 0
	c.sendBuffer = nil
	c.receiveSequence = 0
	c.receivedAny = false
	c.receiveBuffer = make(map[uint16][]byte)
	c.deliveryQueue = nil
}

// ChannelStats is a snapshot of a channel's counters.
type ChannelStats struct {
	ID                uint8
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
	SendBufferSize    int
	ReceiveBufferSize int
}

func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		ID:                c.id,
		MessagesSent:      c.messagesSent,
		MessagesReceived:  c.messagesReceived,
		BytesSent:         c.bytesSent,
		BytesReceived:     c.bytesReceived,
		SendBufferSize:    len(c.sendBuffer),
		ReceiveBufferSize: len(c.receiveBuffer),
	}
}
