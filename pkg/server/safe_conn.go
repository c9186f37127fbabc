package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// lineTransport is a bidirectional stream of protocol lines. TCP sockets
// and websocket connections both implement it.
type lineTransport interface {
	ReadLine() (string, error)
	WriteLine(line string, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// SafeConn wraps a transport with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// Broadcasts, unicasts, the reaper and the connection's own handler may all
// write to the same connection. Every write carries a deadline so a peer that
// stops reading cannot stall the writer indefinitely.
type SafeConn struct {
	t            lineTransport
	mu           sync.Mutex // Protects writes to t
	writeTimeout time.Duration
	closeOnce    sync.Once
	closed       chan struct{}
}

// NewSafeConn wraps a transport with write synchronization
func NewSafeConn(t lineTransport, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		t:            t,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// WriteFrame encodes and sends one server frame.
// This is the ONLY way to write to the connection - the raw transport is private.
func (sc *SafeConn) WriteFrame(frame *protocol.Frame) error {
	return sc.WriteLine(frame.Encode())
}

// WriteLine sends a pre-encoded frame.
func (sc *SafeConn) WriteLine(line string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	select {
	case <-sc.closed:
		return net.ErrClosed
	default:
	}

	var deadline time.Time
	if sc.writeTimeout > 0 {
		deadline = time.Now().Add(sc.writeTimeout)
	}
	return sc.t.WriteLine(line, deadline)
}

// ReadLine reads the next frame line. Reads don't need write synchronization.
func (sc *SafeConn) ReadLine() (string, error) {
	return sc.t.ReadLine()
}

// SetReadDeadline bounds the next ReadLine, zero clears it
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.t.SetReadDeadline(t)
}

// Close closes the underlying transport. Safe to call more than once.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		close(sc.closed)
		err = sc.t.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (sc *SafeConn) Closed() bool {
	select {
	case <-sc.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() string {
	return sc.t.RemoteAddr()
}

// tcpTransport speaks newline-delimited frames over a net.Conn.
type tcpTransport struct {
	conn net.Conn
	dec  *protocol.Decoder
}

func newTCPTransport(conn net.Conn, maxLine int) *tcpTransport {
	return &tcpTransport{conn: conn, dec: protocol.NewDecoder(conn, maxLine)}
}

func (t *tcpTransport) ReadLine() (string, error) {
	return t.dec.ReadLine()
}

func (t *tcpTransport) WriteLine(line string, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return protocol.WriteLine(t.conn, line)
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
