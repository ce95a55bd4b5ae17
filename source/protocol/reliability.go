package protocol

import (
	"time"

	log "github.com/sirupsen/logrus"
)

const rttSmoothingFactor = 0.1

type sentPacket struct {
	sendTime   time.Time
	retryCount int
	data       []byte
}

// ResendPacket is an in-flight packet whose retry timer expired.
type ResendPacket struct {
	Sequence uint16
	Data     []byte
}

// ReliableEndpoint allocates outgoing sequences, tracks in-flight reliable
// packets, maintains ack state from incoming packets and produces the
// retransmission list each tick.
type ReliableEndpoint struct {
	localSequence  uint16
	remoteSequence uint16
	ackBits        uint32

	sentPackets     map[uint16]*sentPacket
	receivedPackets *sequenceBuffer

	maxSequenceDistance uint16
	retryTimeout        time.Duration
	maxRetries          int

	// Loss window, reset by the congestion controller's sampling cadence.
	windowSent        int
	windowRetransmits int
	windowDrops       int

	rttMillis float64
}

// NewReliableEndpoint creates an endpoint with a duplicate-detection buffer
// of the given capacity and default retry parameters.
func NewReliableEndpoint(bufferSize int) *ReliableEndpoint {
	return &ReliableEndpoint{
		sentPackets:         make(map[uint16]*sentPacket),
		receivedPackets:     newSequenceBuffer(bufferSize),
		maxSequenceDistance: 32768,
		retryTimeout:        100 * time.Millisecond,
		maxRetries:          10,
	}
}

// NextSequence returns the sequence for the next outgoing packet.
func (e *ReliableEndpoint) NextSequence() uint16 {
	seq := e.localSequence
	e.localSequence++
	return seq
}

// OnPacketSent records a reliable packet as in flight.
func (e *ReliableEndpoint) OnPacketSent(sequence uint16, sendTime time.Time, data []byte) {
	e.sentPackets[sequence] = &sentPacket{
		sendTime: sendTime,
		data:     data,
	}
}

// notePacketSent feeds the loss window; called once per transmitted packet,
// reliable or not.
func (e *ReliableEndpoint) notePacketSent() {
	e.windowSent++
}

// OnPacketReceived updates remote sequence and ack bits for an incoming
// packet. Out-of-window and duplicate sequences have no effect; the return
// value reports whether the packet was fresh and should be dispatched.
func (e *ReliableEndpoint) OnPacketReceived(sequence uint16, _ time.Time) bool {
	distance := SequenceDiff(sequence, e.remoteSequence)
	if distance < 0 {
		distance = -distance
	}
	if uint16(distance) > e.maxSequenceDistance {
		return false
	}

	if e.receivedPackets.Exists(sequence) {
		return false
	}
	e.receivedPackets.Insert(sequence, nil)

	if SequenceGreaterThan(sequence, e.remoteSequence) {
		// Shift the window forward. Bit 0 marks the previous remote
		// sequence, which was recorded on an earlier call.
		diff := SequenceDiff(sequence, e.remoteSequence)
		if diff <= 32 {
			e.ackBits = e.ackBits<<uint(diff) | 1
		} else {
			e.ackBits = 1
		}
		e.remoteSequence = sequence
	} else {
		diff := SequenceDiff(e.remoteSequence, sequence)
		if diff > 0 && diff <= 32 {
			e.ackBits |= 1 << uint(diff-1)
		}
	}

	return true
}

// ProcessAcks removes acknowledged packets from the in-flight set and
// returns the sequences that were newly acknowledged.
func (e *ReliableEndpoint) ProcessAcks(ack uint16, ackBits uint32, now time.Time) []uint16 {
	var acked []uint16

	if sp, ok := e.sentPackets[ack]; ok {
		e.sampleRTT(sp, now)
		delete(e.sentPackets, ack)
		acked = append(acked, ack)
	}

	for i := 0; i < 32; i++ {
		if ackBits&(1<<uint(i)) == 0 {
			continue
		}
		seq := ack - uint16(i) - 1
		if sp, ok := e.sentPackets[seq]; ok {
			e.sampleRTT(sp, now)
			delete(e.sentPackets, seq)
			acked = append(acked, seq)
		}
	}

	return acked
}

// Retransmitted packets give ambiguous round-trip samples, so only first
// transmissions feed the estimate.
func (e *ReliableEndpoint) sampleRTT(sp *sentPacket, now time.Time) {
	if sp.retryCount > 0 {
		return
	}
	sample := float64(now.Sub(sp.sendTime)) / float64(time.Millisecond)
	if e.rttMillis == 0 {
		e.rttMillis = sample
	} else {
		e.rttMillis = e.rttMillis*(1-rttSmoothingFactor) + sample*rttSmoothingFactor
	}
}

// Update scans in-flight packets, emitting retries for those whose timer
// expired and dropping those that exhausted the retry budget. Emission
// order is unspecified.
func (e *ReliableEndpoint) Update(now time.Time) (resend []ResendPacket, dropped []uint16) {
	for sequence, sp := range e.sentPackets {
		if now.Sub(sp.sendTime) < e.retryTimeout {
			continue
		}

		if sp.retryCount >= e.maxRetries {
			delete(e.sentPackets, sequence)
			e.windowDrops++
			dropped = append(dropped, sequence)
			log.WithFields(log.Fields{
				"sequence": sequence,
				"retries":  sp.retryCount,
			}).Warn("reliable packet dropped after retry budget")
			continue
		}

		sp.retryCount++
		sp.sendTime = now
		e.windowRetransmits++
		resend = append(resend, ResendPacket{Sequence: sequence, Data: sp.data})
	}

	return resend, dropped
}

// AckInfo returns the (ack, ack_bits) pair to stamp on outgoing headers.
func (e *ReliableEndpoint) AckInfo() (uint16, uint32) {
	return e.remoteSequence, e.ackBits
}

// RTT returns the smoothed round-trip estimate in milliseconds.
func (e *ReliableEndpoint) RTT() float64 {
	return e.rttMillis
}

// LossFraction reports (retransmits + drops) / packets_sent over the
// current window.
func (e *ReliableEndpoint) LossFraction() float64 {
	if e.windowSent == 0 {
		return 0
	}
	return float64(e.windowRetransmits+e.windowDrops) / float64(e.windowSent)
}

// ResetLossWindow starts a fresh loss measurement window.
func (e *ReliableEndpoint) ResetLossWindow() {
	e.windowSent = 0
	e.windowRetransmits = 0
	e.windowDrops = 0
}

// ReliabilityStats is a snapshot of the endpoint's counters.
type ReliabilityStats struct {
	PacketsInFlight int
	LocalSequence   uint16
	RemoteSequence  uint16
}

func (e *ReliableEndpoint) Stats() ReliabilityStats {
	return ReliabilityStats{
		PacketsInFlight: len(e.sentPackets),
		LocalSequence:   e.localSequence,
		RemoteSequence:  e.remoteSequence,
	}
}

// Reset clears all reliability state.
func (e *ReliableEndpoint) Reset() {
	e.localSequence = 0
	e.remoteSequence = 0
	e.ackBits = 0
	e.sentPackets = make(map[uint16]*sentPacket)
	e.receivedPackets.Reset()
	e.ResetLossWindow()
	e.rttMillis = 0
}
