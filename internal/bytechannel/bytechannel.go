// Package bytechannel implements the blocking, stream-oriented TCP endpoint
// the RAOP control and audio connections are built on (spec §4.1). It is a
// thin wrapper over net.Conn plus a buffered reader that adds the one
// primitive net.Conn doesn't give you for free: "is at least one more byte
// readable right now".
package bytechannel

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// Channel is a bidirectional TCP byte transport with a non-blocking peek.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Open dials a TCP connection to host:port.
func Open(host string, port int) (*Channel, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return &Channel{conn: conn, reader: bufio.NewReaderSize(conn, 1024)}, nil
}

// Send writes the whole buffer in one call, failing on any short write
// rather than silently partial-sending — RAOP requests must hit the wire
// atomically (spec §4.4).
func (c *Channel) Send(b []byte) error {
	n, err := c.conn.Write(b)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("send: partial write %d/%d bytes", n, len(b))
	}
	return nil
}

// Receive reads up to max bytes, blocking until at least one byte is
// available.
func (c *Channel) Receive(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := c.reader.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return buf[:n], nil
}

// Peek reports whether at least one more byte is readable right now. When
// nothing is buffered it waits at most one millisecond for data to arrive.
func (c *Channel) Peek() bool {
	if c.reader.Buffered() > 0 {
		return true
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.reader.Peek(1)
	_ = c.conn.SetReadDeadline(time.Time{})
	return err == nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote TCP address, used to build the session URL.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local TCP address, used in the SDP origin line.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
