// Package transport provides the two channels the engine speaks over: an
// ordered, length-framed TCP stream for control traffic and a UDP datagram
// socket for high-rate gameplay traffic. Neither channel interprets
// messages; they only frame, encode, and decode them.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"strafe/internal/protocol"
)

// maxFrameLen bounds a reliable frame. A length prefix beyond this is
// treated as a malformed frame, which is fatal to the connection.
const maxFrameLen = 4 << 20

// ErrMalformed wraps decode failures so callers can tell a bad payload from
// an I/O error. On the reliable channel it is fatal; datagram callers drop
// the packet and move on.
var ErrMalformed = errors.New("malformed message")

// ReliableConn is an ordered, loss-free connection carrying length-prefixed
// messages: a 4-byte big-endian payload length, then exactly that many
// bytes. Partial frame progress survives a timed-out RecvTimeout, so a slow
// frame is resumed by the next call instead of corrupting the stream.
type ReliableConn struct {
	conn net.Conn

	// In-flight frame assembly state.
	lenBuf  [4]byte
	lenGot  int
	payload []byte
	got     int
}

// NewReliable wraps an established stream connection.
func NewReliable(conn net.Conn) *ReliableConn {
	return &ReliableConn{conn: conn}
}

// DialReliable opens a reliable connection to addr.
func DialReliable(addr string) (*ReliableConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return NewReliable(conn), nil
}

// Send encodes the message and writes one frame. Fails only on encode or
// I/O error.
func (c *ReliableConn) Send(m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("reliable write: %w", err)
	}
	return nil
}

// Recv blocks until a full frame is available and decodes it.
func (c *ReliableConn) Recv() (protocol.Message, error) {
	m, _, err := c.recv(time.Time{})
	return m, err
}

// RecvTimeout waits up to d for a full frame. Returns ok=false with a nil
// error when the deadline passes first.
func (c *ReliableConn) RecvTimeout(d time.Duration) (protocol.Message, bool, error) {
	return c.recv(time.Now().Add(d))
}

func (c *ReliableConn) recv(deadline time.Time) (protocol.Message, bool, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Message{}, false, fmt.Errorf("set deadline: %w", err)
	}

	for c.lenGot < 4 {
		n, err := c.conn.Read(c.lenBuf[c.lenGot:4])
		c.lenGot += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return protocol.Message{}, false, nil
			}
			return protocol.Message{}, false, fmt.Errorf("reliable read len: %w", err)
		}
	}

	if c.payload == nil {
		length := binary.BigEndian.Uint32(c.lenBuf[:])
		if length > maxFrameLen {
			return protocol.Message{}, false, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
		}
		c.payload = make([]byte, length)
		c.got = 0
	}

	for c.got < len(c.payload) {
		n, err := c.conn.Read(c.payload[c.got:])
		c.got += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return protocol.Message{}, false, nil
			}
			return protocol.Message{}, false, fmt.Errorf("reliable read payload: %w", err)
		}
	}

	payload := c.payload
	c.lenGot = 0
	c.payload = nil
	c.got = 0

	m, err := protocol.Decode(payload)
	if err != nil {
		return protocol.Message{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, true, nil
}

// PeerAddr returns the remote endpoint.
func (c *ReliableConn) PeerAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *ReliableConn) Close() error {
	return c.conn.Close()
}

// ReliableListener accepts inbound reliable connections.
type ReliableListener struct {
	l *net.TCPListener
}

// ListenReliable binds a stream listener on addr ("host:port"; port 0 for
// an ephemeral port).
func ListenReliable(addr string) (*ReliableListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	l, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return &ReliableListener{l: l}, nil
}

// Accept blocks for the next inbound connection.
func (l *ReliableListener) Accept() (*ReliableConn, net.Addr, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, nil, fmt.Errorf("tcp accept: %w", err)
	}
	return NewReliable(conn), conn.RemoteAddr(), nil
}

// AcceptTimeout waits up to d for an inbound connection; ok=false means
// nothing arrived in time.
func (l *ReliableListener) AcceptTimeout(d time.Duration) (*ReliableConn, net.Addr, bool, error) {
	if err := l.l.SetDeadline(time.Now().Add(d)); err != nil {
		return nil, nil, false, fmt.Errorf("set accept deadline: %w", err)
	}
	conn, err := l.l.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("tcp accept: %w", err)
	}
	return NewReliable(conn), conn.RemoteAddr(), true, nil
}

// Addr returns the bound local address.
func (l *ReliableListener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops the listener.
func (l *ReliableListener) Close() error {
	return l.l.Close()
}
