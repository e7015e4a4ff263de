package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"strafe/internal/protocol"
)

// UnreliableConn is a connected datagram socket: one message per datagram,
// payloads up to protocol.MaxDatagramSize. Datagrams may be lost,
// reordered, or duplicated; per-message tick numbers provide ordering where
// the engine needs it.
type UnreliableConn struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

// DialUnreliable binds a local datagram endpoint and records the remote.
// Pass ":0" as local for an ephemeral port.
func DialUnreliable(local, remote string) (*UnreliableConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve local %q: %w", local, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve remote %q: %w", remote, err)
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("udp dial: %w", err)
	}
	return &UnreliableConn{conn: conn, peer: raddr}, nil
}

// Send encodes and transmits one datagram. Best-effort by contract.
func (c *UnreliableConn) Send(m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > protocol.MaxDatagramSize {
		return fmt.Errorf("datagram too large: %d bytes", len(payload))
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// Recv blocks for one datagram.
func (c *UnreliableConn) Recv() (protocol.Message, error) {
	m, _, err := c.recv(time.Time{})
	return m, err
}

// RecvTimeout waits up to d for one datagram; ok=false with a nil error
// means the deadline passed first. A malformed datagram surfaces as an
// ErrMalformed-wrapped error for the caller to drop.
func (c *UnreliableConn) RecvTimeout(d time.Duration) (protocol.Message, bool, error) {
	return c.recv(time.Now().Add(d))
}

func (c *UnreliableConn) recv(deadline time.Time) (protocol.Message, bool, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Message{}, false, fmt.Errorf("set deadline: %w", err)
	}
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.Message{}, false, nil
		}
		return protocol.Message{}, false, fmt.Errorf("udp recv: %w", err)
	}
	m, err := protocol.Decode(buf[:n])
	if err != nil {
		return protocol.Message{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, true, nil
}

// PeerAddr returns the recorded remote endpoint.
func (c *UnreliableConn) PeerAddr() *net.UDPAddr {
	return c.peer
}

// LocalAddr returns the bound local endpoint. Clients read the chosen
// ephemeral port here to announce it in UdpHello.
func (c *UnreliableConn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket.
func (c *UnreliableConn) Close() error {
	return c.conn.Close()
}

// DatagramSocket is the server side of the unreliable channel: an
// unconnected socket that drains inbound datagrams from any client and
// targets outbound snapshots at each client's announced endpoint.
type DatagramSocket struct {
	conn *net.UDPConn
}

// ListenDatagram binds an unconnected datagram socket on addr.
func ListenDatagram(addr string) (*DatagramSocket, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}
	return &DatagramSocket{conn: conn}, nil
}

// SendTo encodes and transmits one datagram to the given endpoint.
func (s *DatagramSocket) SendTo(m protocol.Message, to *net.UDPAddr) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > protocol.MaxDatagramSize {
		return fmt.Errorf("datagram too large: %d bytes", len(payload))
	}
	if _, err := s.conn.WriteToUDP(payload, to); err != nil {
		return fmt.Errorf("udp send to %s: %w", to, err)
	}
	return nil
}

// RecvFrom waits up to d for one datagram and reports its source. ok=false
// with a nil error means the deadline passed. Malformed payloads return an
// ErrMalformed-wrapped error; the tick loop drops those and keeps draining.
func (s *DatagramSocket) RecvFrom(d time.Duration) (protocol.Message, *net.UDPAddr, bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return protocol.Message{}, nil, false, fmt.Errorf("set deadline: %w", err)
	}
	buf := make([]byte, protocol.MaxDatagramSize)
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.Message{}, nil, false, nil
		}
		return protocol.Message{}, nil, false, fmt.Errorf("udp recv: %w", err)
	}
	m, err := protocol.Decode(buf[:n])
	if err != nil {
		return protocol.Message{}, from, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, from, true, nil
}

// LocalAddr returns the bound local endpoint.
func (s *DatagramSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket.
func (s *DatagramSocket) Close() error {
	return s.conn.Close()
}
