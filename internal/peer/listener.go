package peer

import (
	"context"
	"slices"
	"sync"

	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/packet"
)

// Message is an inbound packet together with the frame it arrived in. It is
// the reply token: pass it to Conn.Reply to answer it.
type Message struct {
	Packet packet.Packet
	// FrameID is the id of the frame that carried the packet.
	FrameID uint32
	// ResponseTo is the frame id this packet answers, or -1.
	ResponseTo int32

	conn  *Conn
	epoch uint64
}

// Conn returns the connection the message was received on.
func (m *Message) Conn() *Conn { return m.conn }

// Reply sends p as a reply to m on the connection it arrived on.
func (m *Message) Reply(p packet.Packet) (uint32, error) {
	if m.conn == nil {
		return 0, ErrUnknownReplyToken
	}
	return m.conn.Reply(m, p)
}

// Listener handles inbound packets. Returning without calling w.DontWait
// holds the next inbound frame until OnPacket returns.
type Listener interface {
	OnPacket(ctx context.Context, msg *Message, w *fanout.Wait) error
}

type listenerFunc struct {
	fn func(ctx context.Context, msg *Message, w *fanout.Wait) error
}

func (l *listenerFunc) OnPacket(ctx context.Context, msg *Message, w *fanout.Wait) error {
	return l.fn(ctx, msg, w)
}

// ListenerFunc adapts fn to a Listener. Each call returns a distinct value
// that can later be passed to RemoveListener or RemoveResponseListenerFunc.
func ListenerFunc(fn func(ctx context.Context, msg *Message, w *fanout.Wait) error) Listener {
	return &listenerFunc{fn: fn}
}

// sameListener compares listeners by identity. Listeners whose dynamic type
// is not comparable never match.
func sameListener(a, b Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// ListenerSet is a mutex-guarded list of packet listeners. Conns that share
// a set see additions and removals made through any of them, or through the
// set itself, on the next frame they dispatch.
type ListenerSet struct {
	mu        sync.Mutex
	listeners []Listener
}

// NewListenerSet returns a set holding ls. Nil entries are skipped.
func NewListenerSet(ls ...Listener) *ListenerSet {
	s := &ListenerSet{}
	for _, l := range ls {
		s.Add(l)
	}
	return s
}

// Add appends l. Adding it twice calls it twice.
func (s *ListenerSet) Add(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Remove removes the first occurrence of l.
func (s *ListenerSet) Remove(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if sameListener(existing, l) {
			s.listeners = slices.Delete(s.listeners, i, i+1)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the listeners in insertion order.
func (s *ListenerSet) Snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listeners)
}

// Len returns the number of listeners.
func (s *ListenerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
