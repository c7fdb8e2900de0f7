package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/packetwire/internal/protocol"
)

// StreamTransport reads and writes length-prefixed frames on a net.Conn
// (TCP, Unix socket or TLS). It is safe for concurrent use.
type StreamTransport struct {
	conn   net.Conn
	limits protocol.Limits

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps conn. A zero Limits means protocol.DefaultLimits.
func NewStreamTransport(conn net.Conn, limits protocol.Limits) *StreamTransport {
	if limits.MaxPayload == 0 {
		limits = protocol.DefaultLimits()
	}
	return &StreamTransport{conn: conn, limits: limits}
}

// ReadFrame blocks until a whole frame has arrived. Cancelling ctx unblocks
// a pending read.
func (t *StreamTransport) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := protocol.ReadFrameLimit(t.conn, t.limits)
	if err != nil {
		return nil, t.mapErr(ctx, err)
	}
	return f, nil
}

// WriteFrame writes one encoded frame. ctx's deadline, if any, bounds the write.
func (t *StreamTransport) WriteFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(frame); err != nil {
		return t.mapErr(ctx, err)
	}
	return nil
}

func (t *StreamTransport) mapErr(ctx context.Context, err error) error {
	if t.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Closed reports whether Close has been called.
func (t *StreamTransport) Closed() bool { return t.closed.Load() }

// Close closes the underlying connection. Later calls return the first result.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// RemoteAddr returns the peer's network address.
func (t *StreamTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
