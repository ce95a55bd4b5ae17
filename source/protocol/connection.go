package protocol

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConnectionState tracks where a connection is in its lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateChallengeResponse
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateChallengeResponse:
		return "ChallengeResponse"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return "Unknown"
}

var (
	ErrNotConnected     = errors.New("protocol: not connected")
	ErrAlreadyConnected = errors.New("protocol: already connected")
	ErrTimeout          = errors.New("protocol: connection timed out")
	ErrProtocolMismatch = errors.New("protocol: protocol id mismatch")
)

// DeniedError reports a ConnectionDeny received from the peer.
type DeniedError struct {
	Reason byte
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("protocol: connection denied (reason %d)", e.Reason)
}

// flightRef ties an in-flight packet sequence back to the channel message
// it carried, so acks release the channel send buffer and drops can be
// surfaced per message.
type flightRef struct {
	channel uint8
	message uint16
}

// lossSampleInterval is the cadence at which RTT and the loss window feed
// congestion control.
const lossSampleInterval = time.Second

// Connection combines the reliable endpoint, channels and congestion
// control into the four-way-handshake state machine, and drives a socket.
// It is single-threaded: all mutation happens inside Update or the
// application-facing calls.
type Connection struct {
	config     NetworkConfig
	state      ConnectionState
	isServer   bool
	remoteAddr *net.UDPAddr

	clientSalt uint64
	serverSalt uint64

	lastSendTime        time.Time
	lastRecvTime        time.Time
	connectionStartTime time.Time
	requestTime         time.Time
	retryCount          int
	lossSampleTime      time.Time

	endpoint   *ReliableEndpoint
	channels   []*Channel
	congestion *CongestionControl

	inFlight  map[uint16]flightRef
	sendQueue []*Packet

	stats NetworkStats
}

// NewConnection creates the client side of a connection to remote.
func NewConnection(config NetworkConfig, remote *net.UDPAddr) *Connection {
	c := newConnection(config, remote)
	c.clientSalt = rand.Uint64()
	return c
}

// NewServerConnection creates the server-side session for a client that
// sent a ConnectionRequest. The server salt binds the handshake.
func NewServerConnection(config NetworkConfig, remote *net.UDPAddr) *Connection {
	c := newConnection(config, remote)
	c.isServer = true
	c.serverSalt = rand.Uint64()
	return c
}

func newConnection(config NetworkConfig, remote *net.UDPAddr) *Connection {
	channels := make([]*Channel, config.MaxChannels)
	for i := range channels {
		channels[i] = NewChannel(uint8(i), config.DefaultChannelConfig)
	}

	endpoint := NewReliableEndpoint(config.PacketBufferSize)
	endpoint.maxSequenceDistance = config.MaxSequenceDistance
	endpoint.retryTimeout = config.ReliableRetryTime
	endpoint.maxRetries = config.MaxReliableRetries

	now := time.Now()

	return &Connection{
		config:       config,
		state:        StateDisconnected,
		remoteAddr:   remote,
		lastSendTime: now,
		lastRecvTime: now,
		endpoint:     endpoint,
		channels:     channels,
		congestion:   NewCongestionControl(),
		inFlight:     make(map[uint16]flightRef),
	}
}

// Connect starts the handshake by queueing a ConnectionRequest.
func (c *Connection) Connect() error {
	if c.state != StateDisconnected {
		return ErrAlreadyConnected
	}

	c.state = StateConnecting
	c.requestTime = time.Now()
	c.retryCount = 0
	c.lastRecvTime = time.Now()
	c.queueConnectionRequest()

	log.WithField("remote", c.remoteAddr.String()).Info("connecting")
	return nil
}

// Disconnect queues a Disconnect packet with the given reason. The
// connection resets once the packet has been flushed by the next Update.
func (c *Connection) Disconnect(reason byte) error {
	if c.state == StateDisconnected {
		return nil
	}

	c.sendQueue = append(c.sendQueue, &Packet{
		Header: c.createHeader(),
		Type:   PacketDisconnect,
		Reason: reason,
	})
	c.state = StateDisconnecting

	return nil
}

// Send queues data on a channel. Only valid while connected.
func (c *Connection) Send(channel uint8, data []byte, reliable bool) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if int(channel) >= len(c.channels) {
		return ErrInvalidChannel
	}
	return c.channels[channel].Send(data, reliable)
}

// Receive pops the next delivered message on a channel, or nil.
func (c *Connection) Receive(channel uint8) []byte {
	if int(channel) >= len(c.channels) {
		return nil
	}
	data, ok := c.channels[channel].Receive()
	if !ok {
		return nil
	}
	return data
}

// Update advances the state machine: timeouts, handshake retries,
// keepalive, retransmission, packetization and socket I/O all happen here.
func (c *Connection) Update(socket PacketSocket) error {
	now := time.Now()

	if err := c.tick(socket, now); err != nil {
		return err
	}

	if !c.isServer {
		if err := c.receivePackets(socket, now); err != nil {
			return err
		}
	}

	if c.state == StateDisconnecting && len(c.sendQueue) == 0 {
		c.reset()
	}

	return nil
}

// tick runs the time-driven half of Update: everything except the receive
// loop, which the server replaces with its own demultiplexer.
func (c *Connection) tick(socket PacketSocket, now time.Time) error {
	if c.state != StateDisconnected && c.state != StateDisconnecting {
		if now.Sub(c.lastRecvTime) > c.config.ConnectionTimeout {
			log.WithField("remote", c.remoteAddr.String()).Warn("connection timed out")
			c.reset()
			return ErrTimeout
		}
	}

	switch c.state {
	case StateConnecting:
		if !c.isServer && now.Sub(c.requestTime) > c.config.ConnectionRequestTimeout {
			c.retryCount++
			if c.retryCount > c.config.ConnectionRequestMaxRetries {
				c.reset()
				return ErrTimeout
			}
			c.queueConnectionRequest()
			c.requestTime = now
		}

	case StateChallengeResponse:
		// The response is not covered by packet reliability, so it gets the
		// same bounded retry treatment as the request.
		if now.Sub(c.requestTime) > c.config.ConnectionRequestTimeout {
			c.retryCount++
			if c.retryCount > c.config.ConnectionRequestMaxRetries {
				c.reset()
				return ErrTimeout
			}
			c.queueResponse()
			c.requestTime = now
		}

	case StateConnected:
		if now.Sub(c.lastSendTime) > c.config.KeepaliveInterval {
			c.sendQueue = append(c.sendQueue, &Packet{
				Header: c.createHeaderWithSequence(),
				Type:   PacketKeepAlive,
			})
		}

		c.retransmit(socket, now)
		c.sampleCongestion(now)
		c.packetize(socket, now)
	}

	return c.flushSendQueue(socket)
}

// retransmit re-emits expired in-flight packets and surfaces drops.
func (c *Connection) retransmit(socket PacketSocket, now time.Time) {
	resend, dropped := c.endpoint.Update(now)

	for _, rp := range resend {
		c.transmit(socket, rp.Data, now)
	}

	for _, seq := range dropped {
		if ref, ok := c.inFlight[seq]; ok {
			delete(c.inFlight, seq)
			c.channels[ref.channel].Acknowledge(ref.message)
			log.WithFields(log.Fields{
				"remote":  c.remoteAddr.String(),
				"channel": ref.channel,
				"message": ref.message,
			}).Warn("reliable message lost after retry budget")
		}
	}
}

func (c *Connection) sampleCongestion(now time.Time) {
	if now.Sub(c.lossSampleTime) < lossSampleInterval {
		return
	}
	c.lossSampleTime = now
	c.congestion.Update(c.remoteAddr, c.endpoint.RTT(), c.endpoint.LossFraction())
	c.endpoint.ResetLossWindow()
}

// packetize drains channel send buffers into Payload packets, gated by the
// congestion controller.
func (c *Connection) packetize(socket PacketSocket, now time.Time) {
	for {
		if !c.congestion.CanSend(c.remoteAddr, now) {
			return
		}

		sent := false
		for _, ch := range c.channels {
			msgSeq, wire, reliable, ok := ch.NextOutgoing()
			if !ok {
				continue
			}

			packet := &Packet{
				Header:  c.createHeaderWithSequence(),
				Type:    PacketPayload,
				Channel: ch.id,
				Payload: wire,
			}
			data := packet.Serialize()

			if reliable {
				c.endpoint.OnPacketSent(packet.Header.Sequence, now, data)
				c.inFlight[packet.Header.Sequence] = flightRef{channel: ch.id, message: msgSeq}
			}

			c.transmit(socket, data, now)
			c.congestion.OnPacketSent(c.remoteAddr, now)
			sent = true
			break
		}

		if !sent {
			return
		}
	}
}

func (c *Connection) flushSendQueue(socket PacketSocket) error {
	for len(c.sendQueue) > 0 {
		packet := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		if err := c.transmit(socket, packet.Serialize(), time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) transmit(socket PacketSocket, data []byte, now time.Time) error {
	if _, err := socket.SendTo(data, c.remoteAddr); err != nil {
		log.WithError(err).Error("send failed")
		return err
	}

	c.lastSendTime = now
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(data))
	c.endpoint.notePacketSent()
	return nil
}

// receivePackets polls the socket until it would block.
func (c *Connection) receivePackets(socket PacketSocket, now time.Time) error {
	for {
		data, addr, err := socket.RecvFrom()
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}

		// Only the peer this connection is bound to may speak on it.
		if addr.String() != c.remoteAddr.String() {
			continue
		}

		packet, err := Deserialize(data)
		if err != nil {
			log.WithError(err).Debug("dropping malformed packet")
			continue
		}

		if err := c.ingest(packet, now, len(data)); err != nil {
			return err
		}
	}
}

// ingest validates and dispatches one parsed packet. The server calls this
// directly after demultiplexing by source address.
func (c *Connection) ingest(packet *Packet, now time.Time, wireLen int) error {
	if packet.Header.ProtocolID != c.config.ProtocolID {
		if c.state == StateConnecting || c.state == StateChallengeResponse {
			c.reset()
			return ErrProtocolMismatch
		}
		log.WithField("remote", c.remoteAddr.String()).Debug("dropping packet with mismatched protocol id")
		return nil
	}

	c.lastRecvTime = now
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(wireLen)

	return c.handlePacket(packet, now)
}

func (c *Connection) handlePacket(packet *Packet, now time.Time) error {
	if packet.Type == PacketConnectionDeny && c.state != StateDisconnected {
		c.reset()
		return &DeniedError{Reason: packet.Reason}
	}

	if c.isServer {
		return c.handlePacketServer(packet, now)
	}
	return c.handlePacketClient(packet, now)
}

func (c *Connection) handlePacketClient(packet *Packet, now time.Time) error {
	switch {
	case c.state == StateConnecting && packet.Type == PacketConnectionChallenge:
		c.serverSalt = packet.ServerSalt
		c.state = StateChallengeResponse
		c.requestTime = now
		c.retryCount = 0
		c.queueResponse()

	case c.state == StateChallengeResponse && packet.Type == PacketConnectionAccept:
		c.establish(now)
		log.WithField("remote", c.remoteAddr.String()).Info("connected")

	case c.state == StateConnected:
		c.handleConnectedPacket(packet, now)
	}

	return nil
}

func (c *Connection) handlePacketServer(packet *Packet, now time.Time) error {
	switch {
	case c.state == StateDisconnected && packet.Type == PacketConnectionRequest:
		c.state = StateConnecting
		c.queueChallenge()

	case c.state == StateConnecting && packet.Type == PacketConnectionRequest:
		// Client retried before our challenge arrived.
		c.queueChallenge()

	case c.state == StateConnecting && packet.Type == PacketConnectionResponse:
		c.clientSalt = packet.ClientSalt
		c.sendQueue = append(c.sendQueue, &Packet{
			Header: c.createHeader(),
			Type:   PacketConnectionAccept,
		})
		c.establish(now)
		log.WithFields(log.Fields{
			"remote": c.remoteAddr.String(),
		}).Info("client connected")

	case c.state == StateConnected && packet.Type == PacketConnectionResponse:
		// Our accept was lost and the client retried; answer again.
		if packet.ClientSalt == c.clientSalt {
			c.sendQueue = append(c.sendQueue, &Packet{
				Header: c.createHeader(),
				Type:   PacketConnectionAccept,
			})
		}

	case c.state == StateConnected:
		c.handleConnectedPacket(packet, now)
	}

	return nil
}

// handleConnectedPacket applies reliability updates common to every packet
// received while connected, then routes by type.
func (c *Connection) handleConnectedPacket(packet *Packet, now time.Time) {
	fresh := c.endpoint.OnPacketReceived(packet.Header.Sequence, now)

	acked := c.endpoint.ProcessAcks(packet.Header.Ack, packet.Header.AckBits, now)
	for _, seq := range acked {
		if ref, ok := c.inFlight[seq]; ok {
			delete(c.inFlight, seq)
			c.channels[ref.channel].Acknowledge(ref.message)
		}
	}

	switch packet.Type {
	case PacketPayload:
		// Duplicates already delivered once; unknown channel ids are
		// dropped silently.
		if fresh && int(packet.Channel) < len(c.channels) {
			c.channels[packet.Channel].OnPacketReceived(packet.Payload)
		}

	case PacketDisconnect:
		log.WithFields(log.Fields{
			"remote": c.remoteAddr.String(),
			"reason": packet.Reason,
		}).Info("peer disconnected")
		c.reset()
	}
}

func (c *Connection) establish(now time.Time) {
	c.state = StateConnected
	c.connectionStartTime = now
	c.lastRecvTime = now
	c.lossSampleTime = now
	c.endpoint.Reset()
}

func (c *Connection) queueConnectionRequest() {
	c.sendQueue = append(c.sendQueue, &Packet{
		Header: PacketHeader{ProtocolID: c.config.ProtocolID},
		Type:   PacketConnectionRequest,
	})
}

func (c *Connection) queueResponse() {
	c.sendQueue = append(c.sendQueue, &Packet{
		Header:     c.createHeader(),
		Type:       PacketConnectionResponse,
		ClientSalt: c.clientSalt,
	})
}

func (c *Connection) queueChallenge() {
	c.sendQueue = append(c.sendQueue, &Packet{
		Header:     c.createHeader(),
		Type:       PacketConnectionChallenge,
		ServerSalt: c.serverSalt,
	})
}

// createHeader stamps the current ack state without consuming a sequence;
// handshake packets do not participate in reliability.
func (c *Connection) createHeader() PacketHeader {
	ack, ackBits := c.endpoint.AckInfo()
	return PacketHeader{
		ProtocolID: c.config.ProtocolID,
		Ack:        ack,
		AckBits:    ackBits,
	}
}

func (c *Connection) createHeaderWithSequence() PacketHeader {
	h := c.createHeader()
	h.Sequence = c.endpoint.NextSequence()
	return h
}

// reset returns the connection to Disconnected and clears all transient
// state, including every channel.
func (c *Connection) reset() {
	c.state = StateDisconnected
	c.connectionStartTime = time.Time{}
	c.requestTime = time.Time{}
	c.retryCount = 0
	c.sendQueue = nil
	c.inFlight = make(map[uint16]flightRef)
	c.endpoint.Reset()
	c.congestion.Forget(c.remoteAddr)

	for _, ch := range c.channels {
		ch.Reset()
	}
}

// HandleDatagram parses and dispatches one datagram that a demultiplexer
// (the server) already attributed to this connection's peer.
func (c *Connection) HandleDatagram(data []byte, now time.Time) error {
	packet, err := Deserialize(data)
	if err != nil {
		log.WithError(err).Debug("dropping malformed packet")
		return nil
	}
	return c.ingest(packet, now, len(data))
}

// Tick runs the time-driven half of Update without reading the socket, for
// callers that own the socket themselves.
func (c *Connection) Tick(socket PacketSocket) error {
	now := time.Now()
	if err := c.tick(socket, now); err != nil {
		return err
	}
	if c.state == StateDisconnecting && len(c.sendQueue) == 0 {
		c.reset()
	}
	return nil
}

// IsConnected reports whether the handshake has completed.
func (c *Connection) IsConnected() bool {
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return c.state
}

// RemoteAddr returns the bound peer address.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	return c.remoteAddr
}

// Stats returns a traffic snapshot including the smoothed RTT.
func (c *Connection) Stats() NetworkStats {
	s := c.stats
	s.RTTMillis = c.endpoint.RTT()
	return s
}

// ChannelStats returns the counters of one channel, or false for an
// invalid id.
func (c *Connection) ChannelStats(channel uint8) (ChannelStats, bool) {
	if int(channel) >= len(c.channels) {
		return ChannelStats{}, false
	}
	return c.channels[channel].Stats(), true
}
