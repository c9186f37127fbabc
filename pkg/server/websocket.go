package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; browser clients are served from anywhere
	},
}

// wsMessageLines bounds one client message, counted in lines of the
// maximum length. Lines inside it are limited one by one.
const wsMessageLines = 64

// wsTransport carries protocol lines over a websocket. A client message may
// hold several newline separated lines; each server frame is one message.
type wsTransport struct {
	conn    *websocket.Conn
	maxLine int
	msg     *protocol.Decoder // lines of the message being read
}

func newWSTransport(conn *websocket.Conn, maxLine int) *wsTransport {
	if maxLine <= 0 {
		maxLine = protocol.DefaultMaxLineLength
	}
	conn.SetReadLimit(int64(maxLine) * wsMessageLines)
	return &wsTransport{conn: conn, maxLine: maxLine}
}

// ReadLine streams each message through a Decoder, so an oversized line
// is skipped with ErrLineTooLong the same way as on TCP.
func (t *wsTransport) ReadLine() (string, error) {
	for {
		if t.msg == nil {
			msgType, r, err := t.conn.NextReader()
			if err != nil {
				return "", err
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			t.msg = protocol.NewDecoder(r, t.maxLine)
		}

		line, err := t.msg.ReadLine()
		switch {
		case errors.Is(err, io.EOF):
			t.msg = nil
			continue
		case err != nil:
			if !errors.Is(err, protocol.ErrLineTooLong) {
				t.msg = nil
			}
			return "", err
		case line == "":
			continue
		}
		return line, nil
	}
}

func (t *wsTransport) WriteLine(line string, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (t *wsTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

// Close sends a close frame before tearing down the socket. WriteControl
// may run concurrently with other writers.
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// HandleWebSocket upgrades an HTTP request and serves the chat protocol on it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sc := NewSafeConn(newWSTransport(conn, s.config.MaxLineLength), s.config.WriteTimeout)
	s.serveConn(sc, "ws")
}
