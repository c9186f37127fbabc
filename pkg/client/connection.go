// Package client is a line protocol client for the chat server, used by the
// load tester and by tests that drive a real server.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Server frames can carry long rosters
const maxServerLine = 1 << 20

// ErrClosed is returned by operations on a closed connection
var ErrClosed = errors.New("connection closed")

// transport moves whole lines; TCP and websocket implement it
type transport interface {
	readLine() (string, error)
	writeLine(line string) error
	setReadDeadline(t time.Time) error
	close() error
}

// Connection reads and writes synchronously. It spawns no goroutines, so
// callers decide how many readers they run; one sender and one receiver
// may be active at the same time.
type Connection struct {
	addr   string
	t      transport
	sendMu sync.Mutex // Protects concurrent writes
	recvMu sync.Mutex // Protects concurrent reads
	mu     sync.Mutex // Protects closed
	closed bool
}

// NewConnection creates a connection to addr. A ws:// or wss:// URL selects
// the websocket transport; anything else is a host:port for TCP.
func NewConnection(addr string) *Connection {
	return &Connection{addr: addr}
}

// Dial creates and connects in one step
func Dial(addr string) (*Connection, error) {
	c := NewConnection(addr)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the connection
func (c *Connection) Connect() error {
	if strings.HasPrefix(c.addr, "ws://") || strings.HasPrefix(c.addr, "wss://") {
		ws, _, err := websocket.DefaultDialer.Dial(c.addr, nil)
		if err != nil {
			return fmt.Errorf("websocket dial failed: %w", err)
		}
		c.t = &wsTransport{conn: ws}
		return nil
	}

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Enable TCP_NODELAY for low latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.t = &tcpTransport{conn: conn, dec: protocol.NewDecoder(conn, maxServerLine)}
	return nil
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.t != nil {
		return c.t.close()
	}
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send encodes and sends a command
func (c *Connection) Send(cmd *protocol.Command) error {
	return c.SendLine(cmd.Encode())
}

// SendLine sends a raw line. The newline is added here.
func (c *Connection) SendLine(line string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if err := c.t.writeLine(line); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Receive reads one server frame. A zero timeout waits indefinitely. A
// websocket connection is unusable after a read times out.
func (c *Connection) Receive(timeout time.Duration) (*protocol.Frame, error) {
	line, err := c.ReceiveLine(timeout)
	if err != nil {
		return nil, err
	}
	return protocol.ParseFrame(line)
}

// ReceiveLine reads one raw line
func (c *Connection) ReceiveLine(timeout time.Duration) (string, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.isClosed() {
		return "", ErrClosed
	}

	if timeout > 0 {
		if err := c.t.setReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set read deadline failed: %w", err)
		}
		// Clear deadline after read
		defer c.t.setReadDeadline(time.Time{})
	}

	line, err := c.t.readLine()
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	return line, nil
}

// Expect reads frames until one of type frameType arrives, returning it.
// Other frames are skipped. An ERROR frame is returned as an error unless
// ERROR is what was asked for.
func (c *Connection) Expect(frameType string, timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timeout waiting for %s", frameType)
		}
		f, err := c.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if f.Type == frameType {
			return f, nil
		}
		if f.Type == protocol.TypeError {
			return f, fmt.Errorf("server error: %s", f.Text)
		}
	}
}

// SetNickname claims a nickname and waits for the welcome notice
func (c *Connection) SetNickname(nickname string, timeout time.Duration) error {
	if err := c.Send(protocol.Nickname(nickname)); err != nil {
		return err
	}
	f, err := c.Expect(protocol.TypeInfo, timeout)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(f.Text, "Welcome ") {
		return fmt.Errorf("unexpected reply to nickname: %q", f.Text)
	}
	return nil
}

// Addr returns the connection address
func (c *Connection) Addr() string {
	return c.addr
}

type tcpTransport struct {
	conn net.Conn
	dec  *protocol.Decoder
}

func (t *tcpTransport) readLine() (string, error)         { return t.dec.ReadLine() }
func (t *tcpTransport) writeLine(line string) error       { return protocol.WriteLine(t.conn, line) }
func (t *tcpTransport) setReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) close() error                      { return t.conn.Close() }

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) readLine() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (t *wsTransport) writeLine(line string) error {
	return t.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (t *wsTransport) setReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) close() error                      { return t.conn.Close() }
