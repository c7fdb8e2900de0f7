// Package connection provides the byte transports a peer runs over: a
// framed stream over any net.Conn, and a WebSocket carrying one frame per
// message.
package connection

import (
	"context"
	"errors"

	"github.com/codewiresh/packetwire/internal/protocol"
)

// ErrClosed is returned by a transport that has been closed locally.
var ErrClosed = errors.New("connection: transport closed")

// Transport moves whole frames between two peers. ReadFrame returns io.EOF
// when the remote side ends the stream cleanly and ErrClosed after Close.
// WriteFrame takes an already encoded frame and is safe for concurrent use.
type Transport interface {
	ReadFrame(ctx context.Context) (*protocol.Frame, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Closed() bool
	Close() error
	RemoteAddr() string
}
