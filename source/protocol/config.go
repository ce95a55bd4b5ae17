package protocol

import (
	"time"
)

// Reliability selects the delivery guarantee of a channel.
type Reliability int

const (
	Unreliable Reliability = iota
	Reliable
	UnreliableOrdered
)

// Ordering selects the delivery order of a channel.
type Ordering int

const (
	Unordered Ordering = iota
	Ordered
	Sequenced
)

// ChannelConfig is fixed for the lifetime of a channel.
type ChannelConfig struct {
	Reliability       Reliability
	Ordering          Ordering
	MaxMessageSize    int
	MessageBufferSize int
	// BlockOnFull makes Send fail with ErrBufferFull instead of evicting the
	// oldest queued message.
	BlockOnFull bool
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Reliability:       Reliable,
		Ordering:          Ordered,
		MaxMessageSize:    1024 * 1024,
		MessageBufferSize: 1024,
		BlockOnFull:       false,
	}
}

// NetworkConfig holds every knob the embedder can set.
type NetworkConfig struct {
	// Protocol
	ProtocolID uint32
	MaxClients int

	// Timing
	ConnectionTimeout           time.Duration
	KeepaliveInterval           time.Duration
	ConnectionRequestTimeout    time.Duration
	ConnectionRequestMaxRetries int

	// Packet settings
	MTU               int
	FragmentThreshold int
	FragmentTimeout   time.Duration
	MaxFragments      int

	// Reliability
	PacketBufferSize    int
	AckBufferSize       int
	MaxSequenceDistance uint16
	ReliableRetryTime   time.Duration
	MaxReliableRetries  int

	// Channels
	MaxChannels          int
	DefaultChannelConfig ChannelConfig

	// Rate limiting
	SendRate            float64
	MaxPacketRate       float64
	CongestionThreshold float64
}

func DefaultConfig() NetworkConfig {
	return NetworkConfig{
		ProtocolID: 0x12345678,
		MaxClients: 64,

		ConnectionTimeout:           10 * time.Second,
		KeepaliveInterval:           1 * time.Second,
		ConnectionRequestTimeout:    5 * time.Second,
		ConnectionRequestMaxRetries: 5,

		MTU:               1200,
		FragmentThreshold: 1024,
		FragmentTimeout:   5 * time.Second,
		MaxFragments:      256,

		PacketBufferSize:    256,
		AckBufferSize:       256,
		MaxSequenceDistance: 32768,
		ReliableRetryTime:   100 * time.Millisecond,
		MaxReliableRetries:  10,

		MaxChannels:          8,
		DefaultChannelConfig: DefaultChannelConfig(),

		SendRate:            60.0,
		MaxPacketRate:       120.0,
		CongestionThreshold: 0.1,
	}
}

// NetworkStats counts traffic over a connection's lifetime.
type NetworkStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	RTTMillis       float64
}
