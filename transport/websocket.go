package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
	"github.com/m4xw311/acpconn/logger"
	"go.uber.org/zap"
)

const closeGracePeriod = time.Second

// WebSocket carries one frame per websocket message.
type WebSocket struct {
	conn *websocket.Conn
	log  *logger.Logger

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	o := buildOptions(opts)
	conn.SetReadLimit(int64(o.maxLineSize))
	return &WebSocket{
		conn: conn,
		log:  o.log.WithComponent("transport").WithFields(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// ReadFrame returns the next well-formed frame. A normal close from the
// peer is reported as io.EOF.
func (t *WebSocket) ReadFrame(ctx context.Context) (*jsonrpc.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return nil, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "read websocket frame")
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		m, decErr := jsonrpc.Decode(data)
		if decErr != nil {
			t.log.Warn("skipping malformed frame", zap.Error(decErr))
			continue
		}
		return m, nil
	}
}

// WriteFrame sends m as a single text message.
func (t *WebSocket) WriteFrame(ctx context.Context, m *jsonrpc.Message) error {
	b, err := jsonrpc.Encode(m)
	if err != nil {
		return errors.Wrapf(err, "encode frame")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(b, "\n")); err != nil {
		return errors.Wrapf(err, "write websocket frame")
	}
	return nil
}

// Close sends a close message after any in-flight write and closes the
// underlying connection.
func (t *WebSocket) Close() error {
	t.closeOnce.Do(func() {
		t.wmu.Lock()
		t.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		t.wmu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
