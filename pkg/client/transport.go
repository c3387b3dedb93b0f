package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/nvollmar/codelink/pkg/errors"
)

// Transport is a persistent bidirectional frame stream to the bridge. The
// connection state machine is its sole owner; all sends funnel through the
// client's send primitive.
type Transport interface {
	// ReadFrame blocks until the next text frame arrives. It unblocks with
	// an error when the transport closes.
	ReadFrame() ([]byte, error)

	// WriteFrame sends a single text frame. Safe for concurrent use.
	WriteFrame(ctx context.Context, frame []byte) error

	// Close tears down the transport and unblocks any pending ReadFrame.
	Close() error
}

// Dialer opens a Transport to the given endpoint.
type Dialer func(ctx context.Context, url string) (Transport, error)

const dialTimeout = 15 * time.Second

// DialWebSocket is the production Dialer, one WebSocket text message per
// protocol frame.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, http.Header{})
	if err != nil {
		werr := apperrors.Wrap(err, apperrors.ErrCodeTransport, "websocket dial failed").
			WithContext("url", url)
		if resp != nil {
			werr = werr.WithContext("status", resp.StatusCode)
		}
		return nil, werr
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "websocket read failed")
		}
		if msgType != websocket.TextMessage {
			// The protocol is text frames only; ignore anything else.
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(15 * time.Second))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, "websocket write failed")
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}
