package protocol

import (
	"net"
	"time"
)

// Congestion control bounds and tuning.
const (
	minSendIntervalMillis = 10.0
	maxSendIntervalMillis = 100.0
	rttThresholdMillis    = 200.0
	packetLossThreshold   = 0.1
	adjustmentFactor      = 1.2
	smoothingFactor       = 0.1
)

// CongestionControl adjusts the per-peer send interval from observed RTT
// and loss. It gates outbound transmission only; application writes are
// absorbed by the channel send buffers.
type CongestionControl struct {
	sendIntervals map[string]float64
	lastSendTimes map[string]time.Time
}

func NewCongestionControl() *CongestionControl {
	return &CongestionControl{
		sendIntervals: make(map[string]float64),
		lastSendTimes: make(map[string]time.Time),
	}
}

// CanSend reports whether enough time has passed since the last send to
// the address.
func (cc *CongestionControl) CanSend(addr *net.UDPAddr, now time.Time) bool {
	key := addr.String()
	interval, ok := cc.sendIntervals[key]
	if !ok {
		interval = minSendIntervalMillis
	}
	last, ok := cc.lastSendTimes[key]
	if !ok {
		return true
	}
	elapsed := float64(now.Sub(last)) / float64(time.Millisecond)
	return elapsed >= interval
}

// OnPacketSent records the send time for the address.
func (cc *CongestionControl) OnPacketSent(addr *net.UDPAddr, now time.Time) {
	cc.lastSendTimes[addr.String()] = now
}

// Update steers the send interval: widen under high RTT or loss, tighten
// otherwise, clamped to [10, 100] ms and smoothed.
func (cc *CongestionControl) Update(addr *net.UDPAddr, rttMillis, packetLoss float64) {
	key := addr.String()
	current, ok := cc.sendIntervals[key]
	if !ok {
		current = minSendIntervalMillis
	}

	next := current
	if rttMillis > rttThresholdMillis || packetLoss > packetLossThreshold {
		next *= adjustmentFactor
	} else {
		next /= adjustmentFactor
	}

	if next < minSendIntervalMillis {
		next = minSendIntervalMillis
	}
	if next > maxSendIntervalMillis {
		next = maxSendIntervalMillis
	}

	cc.sendIntervals[key] = current*(1-smoothingFactor) + next*smoothingFactor
}

// SendInterval returns the current interval for the address in
// milliseconds.
func (cc *CongestionControl) SendInterval(addr *net.UDPAddr) float64 {
	if interval, ok := cc.sendIntervals[addr.String()]; ok {
		return interval
	}
	return minSendIntervalMillis
}

// Forget drops all state for the address.
func (cc *CongestionControl) Forget(addr *net.UDPAddr) {
	key := addr.String()
	delete(cc.sendIntervals, key)
	delete(cc.lastSendTimes, key)
}
