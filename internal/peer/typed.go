package peer

import (
	"context"
	"sync"

	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/packet"
)

type typedHandler struct {
	match func(packet.Packet) bool
	call  func(ctx context.Context, msg *Message, w *fanout.Wait) error
}

// TypedListener routes packets to handlers registered per packet type with
// On. Every handler whose type the packet is assignable to runs; when none
// matches, the default listener (if any) gets the packet.
type TypedListener struct {
	mu       sync.RWMutex
	handlers []typedHandler
	fallback Listener
}

// NewTypedListener returns a TypedListener. fallback may be nil.
func NewTypedListener(fallback Listener) *TypedListener {
	return &TypedListener{fallback: fallback}
}

// On registers fn for packets of type T, which may be an interface.
func On[T packet.Packet](tl *TypedListener, fn func(ctx context.Context, p T, msg *Message, w *fanout.Wait) error) *TypedListener {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.handlers = append(tl.handlers, typedHandler{
		match: func(p packet.Packet) bool {
			_, ok := p.(T)
			return ok
		},
		call: func(ctx context.Context, msg *Message, w *fanout.Wait) error {
			return fn(ctx, msg.Packet.(T), msg, w)
		},
	})
	return tl
}

// OnPacket implements Listener. Matched handlers run through their own
// fan-out; their errors are reported to the connection's error handlers.
func (tl *TypedListener) OnPacket(ctx context.Context, msg *Message, w *fanout.Wait) error {
	tl.mu.RLock()
	var matched []typedHandler
	for _, h := range tl.handlers {
		if h.match(msg.Packet) {
			matched = append(matched, h)
		}
	}
	fallback := tl.fallback
	tl.mu.RUnlock()

	if len(matched) == 0 {
		if fallback == nil {
			return nil
		}
		return fallback.OnPacket(ctx, msg, w)
	}

	err := fanout.Run(ctx, len(matched), func(ctx context.Context, i int, inner *fanout.Wait) error {
		return matched[i].call(ctx, msg, inner)
	}, func(i int, err error) {
		if msg.conn != nil {
			msg.conn.report(err, tl, KindInsidePacketListener)
		}
	})
	if err != nil && ctx.Err() != nil {
		// The connection is shutting down.
		return nil
	}
	return err
}
