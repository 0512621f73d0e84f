package wsproto

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaedren/twitchsub/core/ports"
)

// GorillaDialer is the concrete ports.Dialer used outside tests, backed by
// gorilla/websocket. Grounded on cmd/agent/connection.go's
// websocket.Dialer{HandshakeTimeout}.Dial call.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

// NewGorillaDialer builds a dialer with the given handshake timeout. A
// zero timeout sets no handshake timeout; only the Dial ctx bounds it.
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{HandshakeTimeout: handshakeTimeout}
}

// Dial implements ports.Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (ports.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

// gorillaConn adapts *websocket.Conn to ports.Conn.
type gorillaConn struct {
	conn *websocket.Conn
}

// readDeadline bounds how long ReadMessage blocks waiting for the next
// frame; the EventSub keepalive timer is the real liveness check, this is
// just a backstop against a connection that stalls without closing.
const readDeadline = 5 * time.Minute

func (c *gorillaConn) ReadMessage() ([]byte, bool, error) {
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, false, wrapCloseError(err)
	}
	return data, messageType == websocket.TextMessage, nil
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	return c.conn.Close()
}

// closeCodeError lets wsproto.closeCodeFromError recover the numeric close
// code gorilla parsed out of the peer's close frame.
type closeCodeError struct {
	code int
	err  error
}

func (e *closeCodeError) Error() string  { return e.err.Error() }
func (e *closeCodeError) Unwrap() error  { return e.err }
func (e *closeCodeError) CloseCode() int { return e.code }

func wrapCloseError(err error) error {
	if ce, ok := err.(*websocket.CloseError); ok {
		return &closeCodeError{code: ce.Code, err: err}
	}
	return err
}
