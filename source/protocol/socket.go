package protocol

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ErrWouldBlock is returned by RecvFrom when no datagram is waiting.
var ErrWouldBlock = errors.New("protocol: socket would block")

// PacketSocket is the datagram boundary the transport drives. RecvFrom is
// non-blocking: it returns ErrWouldBlock when nothing is pending, and the
// caller polls again on the next update tick.
type PacketSocket interface {
	SendTo(data []byte, addr *net.UDPAddr) (int, error)
	RecvFrom() ([]byte, *net.UDPAddr, error)
	LocalAddr() *net.UDPAddr
	Close() error
}

// SocketStats counts traffic through a UDPSocket.
type SocketStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	LastSendTime    time.Time
	LastReceiveTime time.Time
}

// UDPSocket adapts net.UDPConn to the PacketSocket polling discipline.
type UDPSocket struct {
	conn    *net.UDPConn
	recvBuf []byte
	stats   SocketStats
}

// Bind opens a UDP socket on addr.
func Bind(addr *net.UDPAddr) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind UDP socket")
	}
	return &UDPSocket{
		conn:    conn,
		recvBuf: make([]byte, 65536),
	}, nil
}

func (s *UDPSocket) SendTo(data []byte, addr *net.UDPAddr) (int, error) {
	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return n, errors.Wrap(err, "send datagram")
	}
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(n)
	s.stats.LastSendTime = time.Now()
	return n, nil
}

// RecvFrom polls for one datagram. The read deadline is set 1ms ahead, so a
// poll with nothing pending waits at most that long; the expired deadline
// maps to ErrWouldBlock.
func (s *UDPSocket) RecvFrom() ([]byte, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, nil, errors.Wrap(err, "set read deadline")
	}

	n, addr, err := s.conn.ReadFromUDP(s.recvBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrWouldBlock
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, ErrWouldBlock
		}
		return nil, nil, errors.Wrap(err, "receive datagram")
	}

	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(n)
	s.stats.LastReceiveTime = time.Now()

	data := make([]byte, n)
	copy(data, s.recvBuf[:n])
	return data, addr, nil
}

func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

func (s *UDPSocket) Stats() SocketStats {
	return s.stats
}
