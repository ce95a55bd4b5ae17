// Package netsim wraps a PacketSocket with simulated network conditions:
// random loss, added latency and jitter. Useful for exercising the
// transport's retransmission and ordering behavior without a real network.
package netsim

import (
	"math/rand"
	"net"
	"time"

	"gamenet-go/source/protocol"
)

// Config controls the simulated conditions.
type Config struct {
	// LossRate is the probability in [0, 1] that a sent packet vanishes.
	LossRate float64
	// LatencyMin/LatencyMax bound the added one-way delay.
	LatencyMin time.Duration
	LatencyMax time.Duration
	// Jitter is applied as +/- on top of the latency.
	Jitter time.Duration
}

func DefaultConfig() Config {
	return Config{
		LossRate:   0.1,
		LatencyMin: 50 * time.Millisecond,
		LatencyMax: 150 * time.Millisecond,
		Jitter:     20 * time.Millisecond,
	}
}

type pendingPacket struct {
	data     []byte
	addr     *net.UDPAddr
	sendTime time.Time
}

// Simulator implements protocol.PacketSocket over an inner socket,
// delaying and dropping outbound packets. Delayed packets are flushed on
// every RecvFrom poll, matching the transport's update cadence.
type Simulator struct {
	inner   protocol.PacketSocket
	config  Config
	rng     *rand.Rand
	pending []pendingPacket
}

// New wraps inner with the given conditions. The seed makes a run
// reproducible.
func New(inner protocol.PacketSocket, config Config, seed int64) *Simulator {
	return &Simulator{
		inner:  inner,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// SendTo queues the packet with simulated delay, or drops it outright.
func (s *Simulator) SendTo(data []byte, addr *net.UDPAddr) (int, error) {
	if s.rng.Float64() < s.config.LossRate {
		return len(data), nil
	}

	delay := s.config.LatencyMin
	if span := s.config.LatencyMax - s.config.LatencyMin; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	if s.config.Jitter > 0 {
		delay += time.Duration(s.rng.Int63n(int64(2*s.config.Jitter))) - s.config.Jitter
		if delay < 0 {
			delay = 0
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.pending = append(s.pending, pendingPacket{
		data:     buf,
		addr:     addr,
		sendTime: time.Now().Add(delay),
	})

	return len(data), nil
}

// RecvFrom flushes due packets to the inner socket, then polls it.
func (s *Simulator) RecvFrom() ([]byte, *net.UDPAddr, error) {
	s.flush(time.Now())
	return s.inner.RecvFrom()
}

func (s *Simulator) flush(now time.Time) {
	i := 0
	for i < len(s.pending) {
		p := s.pending[i]
		if now.Before(p.sendTime) {
			i++
			continue
		}
		s.inner.SendTo(p.data, p.addr)
		s.pending[i] = s.pending[len(s.pending)-1]
		s.pending = s.pending[:len(s.pending)-1]
	}
}

func (s *Simulator) LocalAddr() *net.UDPAddr {
	return s.inner.LocalAddr()
}

func (s *Simulator) Close() error {
	return s.inner.Close()
}

// PendingCount reports how many packets sit in the delay queue.
func (s *Simulator) PendingCount() int {
	return len(s.pending)
}
