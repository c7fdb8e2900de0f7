package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/codewiresh/packetwire/internal/protocol"
)

// WSTransport carries frames over a WebSocket, one frame per message.
// Frames are written as binary messages; text messages are decoded the same
// way. A normal closure from the remote side reads as io.EOF.
type WSTransport struct {
	conn       *websocket.Conn
	remoteAddr string
	limits     protocol.Limits

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWSTransport wraps conn. remoteAddr is informational.
func NewWSTransport(conn *websocket.Conn, remoteAddr string, limits protocol.Limits) *WSTransport {
	if limits.MaxPayload == 0 {
		limits = protocol.DefaultLimits()
	}
	conn.SetReadLimit(int64(protocol.HeaderSize) + int64(limits.MaxPayload))
	return &WSTransport{conn: conn, remoteAddr: remoteAddr, limits: limits}
}

// ReadFrame reads a single message and decodes it as one frame.
func (t *WSTransport) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	msgType, data, err := t.conn.Read(ctx)
	if err != nil {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) &&
			(closeErr.Code == websocket.StatusNormalClosure || closeErr.Code == websocket.StatusGoingAway) {
			return nil, io.EOF
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	switch msgType {
	case websocket.MessageBinary, websocket.MessageText:
		f, err := protocol.Decode(data, t.limits)
		if err != nil {
			return nil, &MessageError{Err: err}
		}
		return f, nil
	default:
		return nil, &MessageError{Err: fmt.Errorf("unexpected websocket message type: %d", msgType)}
	}
}

// WriteFrame sends one encoded frame as a binary message.
func (t *WSTransport) WriteFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		if t.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Closed reports whether Close has been called.
func (t *WSTransport) Closed() bool { return t.closed.Load() }

// Close sends a normal closure and closes the WebSocket.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		var closeErr websocket.CloseError
		if err != nil && !errors.As(err, &closeErr) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// RemoteAddr returns the address given at construction.
func (t *WSTransport) RemoteAddr() string { return t.remoteAddr }

// MessageError reports a WebSocket message that did not hold a valid frame.
type MessageError struct {
	Err error
}

func (e *MessageError) Error() string { return "reading websocket packet: " + e.Err.Error() }

func (e *MessageError) Unwrap() error { return e.Err }
