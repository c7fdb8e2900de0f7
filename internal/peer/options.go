package peer

import (
	"log/slog"
	"time"

	"github.com/codewiresh/packetwire/internal/protocol"
)

// NoTimeout disables the response deadline.
const NoTimeout time.Duration = -1

// DefaultTimeout is how long a response listener stays registered.
const DefaultTimeout = 5 * time.Second

// Recorder observes every frame a Conn reads or writes.
type Recorder interface {
	RecordFrame(remote string, outbound bool, f *protocol.Frame)
}

// Option configures a Conn.
type Option func(*Conn)

// WithTimeout sets the response timeout. NoTimeout disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) { c.timeout = normalizeTimeout(d) }
}

// WithErrorHandler installs an error handler in place of the default logger.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Conn) {
		if h != nil {
			c.addErrorHandlerLocked(h)
		}
	}
}

// WithOnClose registers a hook that runs every time the receive loop exits.
func WithOnClose(fn func(*Conn)) Option {
	return func(c *Conn) {
		if fn != nil {
			c.onClose = append(c.onClose, fn)
		}
	}
}

// WithLogger sets the logger used by the default error handler and for
// lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJournal records every frame through r.
func WithJournal(r Recorder) Option {
	return func(c *Conn) { c.recorder = r }
}

// WithListener adds a packet listener. When combined with WithListenerSet,
// put it after that option to add l to the shared set.
func WithListener(l Listener) Option {
	return func(c *Conn) { c.listeners.Add(l) }
}

// WithListenerSet makes the Conn dispatch to s, which other Conns may share.
// AddListener and RemoveListener then change s. A nil s is ignored.
func WithListenerSet(s *ListenerSet) Option {
	return func(c *Conn) {
		if s != nil {
			c.listeners = s
		}
	}
}

func normalizeTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return NoTimeout
	}
	return d
}
