// Package server multiplexes many client connections over one UDP socket:
// it demultiplexes inbound datagrams by source address, runs the
// server-side handshake, and enforces the client limit.
package server

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"gamenet-go/source/protocol"
)

// Session is one connected (or connecting) client.
type Session struct {
	ID   xid.ID
	Conn *protocol.Connection
	Addr *net.UDPAddr

	announced bool
}

// Server owns the listening socket and the session table. Like the
// connections it hosts, it is single-threaded: the owning loop calls
// Update.
type Server struct {
	config   protocol.NetworkConfig
	socket   protocol.PacketSocket
	sessions map[string]*Session

	// OnConnect and OnDisconnect, when set, observe session lifecycle.
	OnConnect    func(*Session)
	OnDisconnect func(*Session)
}

func NewServer(config protocol.NetworkConfig) *Server {
	return &Server{
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Listen binds the server's UDP socket.
func (s *Server) Listen(addr *net.UDPAddr) error {
	socket, err := protocol.Bind(addr)
	if err != nil {
		return errors.WithMessage(err, "server listen")
	}
	s.socket = socket
	log.WithField("addr", socket.LocalAddr().String()).Info("server listening")
	return nil
}

// UseSocket attaches an already-bound socket, such as a simulator.
func (s *Server) UseSocket(socket protocol.PacketSocket) {
	s.socket = socket
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.socket.LocalAddr()
}

// Update drains the socket, routes packets to their sessions, admits new
// clients, and runs every session's time-driven work.
func (s *Server) Update() error {
	if s.socket == nil {
		return errors.New("server: not listening")
	}

	now := time.Now()

	for {
		data, addr, err := s.socket.RecvFrom()
		if err != nil {
			if errors.Is(err, protocol.ErrWouldBlock) {
				break
			}
			return err
		}

		key := addr.String()
		sess, ok := s.sessions[key]
		if !ok {
			sess = s.admit(data, addr, now)
			if sess == nil {
				continue
			}
			s.sessions[key] = sess
		}

		if err := sess.Conn.HandleDatagram(data, now); err != nil {
			log.WithFields(log.Fields{
				"session": sess.ID.String(),
				"addr":    key,
			}).WithError(err).Info("session error")
			s.drop(sess)
		}
	}

	for _, sess := range s.sessions {
		if err := sess.Conn.Tick(s.socket); err != nil {
			s.drop(sess)
			continue
		}
		if !sess.announced && sess.Conn.IsConnected() {
			sess.announced = true
			if s.OnConnect != nil {
				s.OnConnect(sess)
			}
		}
	}

	s.cleanupStaleSessions()
	return nil
}

// admit decides whether a packet from an unknown address opens a session.
// Only a well-formed ConnectionRequest with the right protocol id does;
// a full server answers with a deny.
func (s *Server) admit(data []byte, addr *net.UDPAddr, now time.Time) *Session {
	packet, err := protocol.Deserialize(data)
	if err != nil {
		log.WithField("addr", addr.String()).Debug("ignoring malformed packet from unknown address")
		return nil
	}
	if packet.Type != protocol.PacketConnectionRequest {
		return nil
	}
	if packet.Header.ProtocolID != s.config.ProtocolID {
		s.deny(addr, protocol.ReasonProtocolMismatch)
		return nil
	}
	if len(s.sessions) >= s.config.MaxClients {
		log.WithField("addr", addr.String()).Warn("server full, denying connection")
		s.deny(addr, protocol.ReasonServerFull)
		return nil
	}

	sess := &Session{
		ID:   xid.New(),
		Conn: protocol.NewServerConnection(s.config, addr),
		Addr: addr,
	}
	log.WithFields(log.Fields{
		"session": sess.ID.String(),
		"addr":    addr.String(),
	}).Info("session created")
	return sess
}

func (s *Server) deny(addr *net.UDPAddr, reason byte) {
	packet := &protocol.Packet{
		Header: protocol.PacketHeader{ProtocolID: s.config.ProtocolID},
		Type:   protocol.PacketConnectionDeny,
		Reason: reason,
	}
	if _, err := s.socket.SendTo(packet.Serialize(), addr); err != nil {
		log.WithError(err).Error("failed to send deny")
	}
}

func (s *Server) drop(sess *Session) {
	delete(s.sessions, sess.Addr.String())
	if s.OnDisconnect != nil {
		s.OnDisconnect(sess)
	}
	log.WithFields(log.Fields{
		"session": sess.ID.String(),
		"addr":    sess.Addr.String(),
	}).Info("session removed")
}

// cleanupStaleSessions sweeps sessions whose connections fell back to
// Disconnected, such as after a peer disconnect packet.
func (s *Server) cleanupStaleSessions() {
	for _, sess := range s.sessions {
		if sess.Conn.State() == protocol.StateDisconnected {
			s.drop(sess)
		}
	}
}

// Kick disconnects one session with the given reason.
func (s *Server) Kick(sess *Session, reason byte) {
	sess.Conn.Disconnect(reason)
}

// Broadcast queues data on the given channel of every connected session.
func (s *Server) Broadcast(channel uint8, data []byte, reliable bool) {
	for _, sess := range s.sessions {
		if !sess.Conn.IsConnected() {
			continue
		}
		if err := sess.Conn.Send(channel, data, reliable); err != nil {
			log.WithFields(log.Fields{
				"session": sess.ID.String(),
				"channel": channel,
			}).WithError(err).Warn("broadcast send failed")
		}
	}
}

// Sessions returns the current session list.
func (s *Server) Sessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SessionCount reports the number of tracked sessions.
func (s *Server) SessionCount() int {
	return len(s.sessions)
}

// Stop closes the socket.
func (s *Server) Stop() error {
	if s.socket == nil {
		return nil
	}
	log.Info("server stopping")
	return s.socket.Close()
}
