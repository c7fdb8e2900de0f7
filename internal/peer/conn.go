// Package peer implements the packet connection engine: it runs the receive
// loop over a connection.Transport, dispatches inbound packets to listeners,
// and correlates replies with the requests that asked for them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/packetwire/internal/connection"
	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/packet"
	"github.com/codewiresh/packetwire/internal/protocol"
)

// State is a Conn's lifecycle stage.
type State int32

const (
	NotStarted State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// pendingResponse is a registered interest in the reply to one sent frame.
type pendingResponse struct {
	deadline time.Time // zero: no deadline
	listener Listener
	gone     chan struct{}
}

func (pr *pendingResponse) expired(now time.Time) bool {
	return !pr.deadline.IsZero() && !now.Before(pr.deadline)
}

// Conn is one end of a packet connection. The zero value is not usable;
// create one with New.
type Conn struct {
	reg      *packet.Registry
	logger   *slog.Logger
	recorder Recorder

	mu            sync.Mutex
	state         State
	transport     connection.Transport
	cancel        context.CancelFunc
	loopDone      chan struct{}
	epoch         uint64
	timeout       time.Duration
	listeners     *ListenerSet
	errHandlers   []registeredHandler
	nextHandlerID int
	onClose       []func(*Conn)

	// writeMu makes "allocate id, register pending, write frame" atomic.
	writeMu sync.Mutex
	lastID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[uint32]*pendingResponse
}

type registeredHandler struct {
	id int
	h  ErrorHandler
}

// New returns a Conn that encodes and decodes packets with reg. The Conn is
// idle until Start.
func New(reg *packet.Registry, opts ...Option) *Conn {
	c := &Conn{
		reg:     reg,
		logger:  slog.Default(),
		timeout:   DefaultTimeout,
		listeners: &ListenerSet{},
		pending:   make(map[uint32]*pendingResponse),
	}
	c.lastID.Store(-1)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the packet registry the Conn uses.
func (c *Conn) Registry() *packet.Registry { return c.reg }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start begins reading from t. A stopped Conn may be started again with a
// new transport.
func (c *Conn) Start(t connection.Transport) error {
	release, err := c.Attach(t)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Attach binds t so the Conn can send on it, but holds the receive loop
// until release is called. Closing a held Conn discards the loop unread.
func (c *Conn) Attach(t connection.Transport) (release func(), err error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", packet.ErrInvalidArgument)
	}

	c.mu.Lock()
	if c.state == Running || c.state == Stopping {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.transport = t
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.epoch++
	c.state = Running
	epoch, done := c.epoch, c.loopDone
	c.mu.Unlock()

	gate := make(chan struct{})
	c.logger.Debug("packet connection started", "remote", t.RemoteAddr())
	go c.receiveLoop(ctx, t, epoch, done, gate)
	return sync.OnceFunc(func() { close(gate) }), nil
}

// Close stops the receive loop, closes the transport and drops every
// pending response. It waits for the loop to exit unless called from a
// listener, in which case the loop is released through its context.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state != Running && c.state != Stopping {
		c.mu.Unlock()
		return nil
	}
	c.state = Stopping
	cancel, t, done := c.cancel, c.transport, c.loopDone
	c.mu.Unlock()

	cancel()
	err := t.Close()
	<-done
	if err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}
	return nil
}

// State returns the lifecycle stage.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the Conn is running over an open transport.
func (c *Conn) Alive() bool {
	_, ok := c.liveTransport()
	return ok
}

// RemoteAddr returns the current transport's remote address.
func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.RemoteAddr()
}

func (c *Conn) liveTransport() (connection.Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.transport == nil || c.transport.Closed() {
		return nil, false
	}
	return c.transport, true
}

func (c *Conn) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// ---------------------------------------------------------------------------
// Receive loop
// ---------------------------------------------------------------------------

func (c *Conn) receiveLoop(ctx context.Context, t connection.Transport, epoch uint64, done, gate chan struct{}) {
	defer c.finish(t, done)

	select {
	case <-gate:
	case <-ctx.Done():
		return
	}

	for {
		f, err := t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, connection.ErrClosed) {
				return
			}
			var msgErr *connection.MessageError
			if errors.As(err, &msgErr) {
				c.report(err, c, KindReadingWebSocketPacket)
				continue
			}
			c.report(fmt.Errorf("reading frame: %w", err), c, KindHandlingPackets)
			if cerr := t.Close(); cerr != nil {
				c.report(cerr, c, KindClosingConnection)
			}
			return
		}

		c.record(t, false, f)
		c.handleFrame(ctx, f, epoch)
	}
}

// finish tears down after the receive loop exits for any reason.
func (c *Conn) finish(t connection.Transport, done chan struct{}) {
	_ = t.Close()
	c.clearPending()

	c.mu.Lock()
	c.state = Stopped
	c.epoch++
	c.cancel()
	hooks := slices.Clone(c.onClose)
	c.mu.Unlock()

	c.logger.Debug("packet connection stopped", "remote", t.RemoteAddr())

	for _, hook := range hooks {
		hook(c)
	}
	close(done)
}

func (c *Conn) handleFrame(ctx context.Context, f *protocol.Frame, epoch uint64) {
	dec, ok := c.reg.Decoder(f.TypeID)
	if !ok {
		c.report(fmt.Errorf("%w: type-id %d", packet.ErrUnregisteredType, f.TypeID), f, KindUnregisteredPacket)
		return
	}
	p, err := decode(dec, f.Payload)
	if err != nil {
		c.report(fmt.Errorf("constructing packet with type-id %d: %w", f.TypeID, err), f, KindConstructingPacket)
		return
	}

	msg := &Message{Packet: p, FrameID: f.ID, ResponseTo: f.ResponseTo, conn: c, epoch: epoch}
	if f.ResponseTo == protocol.NoResponse {
		c.dispatch(ctx, msg, c.Listeners())
		return
	}
	if f.ResponseTo < 0 {
		return
	}
	l, ok := c.responseListener(uint32(f.ResponseTo))
	if !ok {
		return
	}
	c.dispatch(ctx, msg, []Listener{l})
}

// decode runs dec, turning a panic into a *fanout.PanicError.
func decode(dec packet.Decoder, payload []byte) (p packet.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, &fanout.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	p, err = dec(payload)
	if err == nil && p == nil {
		err = errors.New("decoder returned no packet")
	}
	return p, err
}

// dispatch runs listeners concurrently and returns when each has finished
// or released the loop, or the connection is closing.
func (c *Conn) dispatch(ctx context.Context, msg *Message, listeners []Listener) {
	_ = fanout.Run(ctx, len(listeners), func(ctx context.Context, i int, w *fanout.Wait) error {
		return listeners[i].OnPacket(ctx, msg, w)
	}, func(i int, err error) {
		c.report(err, listeners[i], KindInsidePacketListener)
	})
}

func (c *Conn) record(t connection.Transport, outbound bool, f *protocol.Frame) {
	if c.recorder != nil {
		c.recorder.RecordFrame(t.RemoteAddr(), outbound, f)
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send writes p as a new frame and returns its frame id.
func (c *Conn) Send(p packet.Packet) (uint32, error) {
	id, _, err := c.send(context.Background(), p, protocol.NoResponse, nil)
	return id, err
}

// SendWithListener writes p and registers l for the replies to it until
// the response timeout passes.
func (c *Conn) SendWithListener(p packet.Packet, l Listener) (uint32, error) {
	if l == nil {
		return 0, fmt.Errorf("%w: nil response listener", packet.ErrInvalidArgument)
	}
	id, _, err := c.send(context.Background(), p, protocol.NoResponse, l)
	return id, err
}

// Reply writes p as a reply to orig, which must have been received on this
// Conn since it was last started.
func (c *Conn) Reply(orig *Message, p packet.Packet) (uint32, error) {
	to, err := c.replyToken(orig)
	if err != nil {
		return 0, err
	}
	id, _, err := c.send(context.Background(), p, to, nil)
	return id, err
}

// ReplyWithListener replies to orig and listens for replies to the reply.
func (c *Conn) ReplyWithListener(orig *Message, p packet.Packet, l Listener) (uint32, error) {
	if l == nil {
		return 0, fmt.Errorf("%w: nil response listener", packet.ErrInvalidArgument)
	}
	to, err := c.replyToken(orig)
	if err != nil {
		return 0, err
	}
	id, _, err := c.send(context.Background(), p, to, l)
	return id, err
}

// SendWithResponse writes p and blocks until the first reply arrives. It
// returns (nil, nil) when the response timeout passes or the wait is
// cancelled by RemoveResponseListener or Close, and ctx.Err() when ctx is
// done first.
func (c *Conn) SendWithResponse(ctx context.Context, p packet.Packet) (*Message, error) {
	return c.awaitResponse(ctx, p, protocol.NoResponse)
}

// ReplyWithResponse replies to orig and blocks for the reply to the reply,
// with the same results as SendWithResponse.
func (c *Conn) ReplyWithResponse(ctx context.Context, orig *Message, p packet.Packet) (*Message, error) {
	to, err := c.replyToken(orig)
	if err != nil {
		return nil, err
	}
	return c.awaitResponse(ctx, p, to)
}

func (c *Conn) awaitResponse(ctx context.Context, p packet.Packet, responseTo int32) (*Message, error) {
	replies := make(chan *Message, 1)
	l := ListenerFunc(func(_ context.Context, msg *Message, _ *fanout.Wait) error {
		select {
		case replies <- msg:
		default:
		}
		return nil
	})

	id, pr, err := c.send(ctx, p, responseTo, l)
	if err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if !pr.deadline.IsZero() {
		timer := time.NewTimer(time.Until(pr.deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-replies:
		c.RemoveResponseListener(id)
		return msg, nil
	case <-pr.gone:
	case <-expired:
		c.RemoveResponseListener(id)
	case <-ctx.Done():
		c.RemoveResponseListener(id)
		return nil, ctx.Err()
	}

	// A reply may have landed together with the expiry.
	select {
	case msg := <-replies:
		return msg, nil
	default:
		return nil, nil
	}
}

func (c *Conn) replyToken(orig *Message) (int32, error) {
	if orig == nil || orig.conn != c || orig.epoch != c.currentEpoch() {
		return 0, ErrUnknownReplyToken
	}
	return int32(orig.FrameID), nil
}

func (c *Conn) send(ctx context.Context, p packet.Packet, responseTo int32, l Listener) (uint32, *pendingResponse, error) {
	if p == nil {
		return 0, nil, fmt.Errorf("%w: nil packet", packet.ErrInvalidArgument)
	}
	t, ok := c.liveTransport()
	if !ok {
		return 0, nil, ErrNotAlive
	}
	typeID, err := c.reg.ResolveID(p)
	if err != nil {
		return 0, nil, err
	}
	payload, err := packet.Marshal(p)
	if err != nil {
		return 0, nil, err
	}
	c.sweepExpired(time.Now())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	id := uint32(c.lastID.Load() + 1)
	c.lastID.Store(int64(id))
	f := &protocol.Frame{ID: id, ResponseTo: responseTo, TypeID: typeID, Payload: payload}

	var pr *pendingResponse
	if l != nil {
		pr = c.addPending(id, l)
	}
	if err := t.WriteFrame(ctx, protocol.Encode(f)); err != nil {
		if pr != nil {
			c.RemoveResponseListener(id)
		}
		if errors.Is(err, connection.ErrClosed) {
			return 0, nil, fmt.Errorf("writing frame %d: %w", id, ErrNotAlive)
		}
		return 0, nil, fmt.Errorf("writing frame %d: %w", id, err)
	}
	c.record(t, true, f)
	return id, pr, nil
}

// LastFrameID returns the id of the most recently allocated outbound frame,
// or -1 before the first send.
func (c *Conn) LastFrameID() int64 { return c.lastID.Load() }

// ---------------------------------------------------------------------------
// Response timeout and pending responses
// ---------------------------------------------------------------------------

// SetTimeout sets how long future response listeners stay registered.
// NoTimeout (or any negative value) disables the deadline.
func (c *Conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = normalizeTimeout(d)
}

// Timeout returns the response timeout.
func (c *Conn) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Conn) addPending(id uint32, l Listener) *pendingResponse {
	pr := &pendingResponse{listener: l, gone: make(chan struct{})}
	if timeout := c.Timeout(); timeout >= 0 {
		pr.deadline = time.Now().Add(timeout)
	}
	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()
	return pr
}

// responseListener returns the live listener waiting on frame id, dropping
// the entry if its deadline has passed.
func (c *Conn) responseListener(id uint32) (Listener, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	if pr.expired(time.Now()) {
		delete(c.pending, id)
		close(pr.gone)
		return nil, false
	}
	return pr.listener, true
}

// RemoveResponseListener cancels the response listener registered for frame id.
func (c *Conn) RemoveResponseListener(id uint32) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	close(pr.gone)
	return true
}

// RemoveResponseListenerFunc cancels every pending response that uses l.
func (c *Conn) RemoveResponseListenerFunc(l Listener) bool {
	if l == nil {
		return false
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	removed := false
	for id, pr := range c.pending {
		if sameListener(pr.listener, l) {
			delete(c.pending, id)
			close(pr.gone)
			removed = true
		}
	}
	return removed
}

// CleanResponseListeners drops every pending response whose deadline has passed.
func (c *Conn) CleanResponseListeners() {
	c.sweepExpired(time.Now())
}

// PendingResponses returns the number of registered response listeners,
// including expired ones not yet swept.
func (c *Conn) PendingResponses() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Conn) sweepExpired(now time.Time) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pr := range c.pending {
		if pr.expired(now) {
			delete(c.pending, id)
			close(pr.gone)
		}
	}
}

func (c *Conn) clearPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pr := range c.pending {
		delete(c.pending, id)
		close(pr.gone)
	}
}

// ---------------------------------------------------------------------------
// Listeners and error handlers
// ---------------------------------------------------------------------------

// AddListener adds a packet listener. It applies to frames read after the
// call, on every Conn sharing this Conn's ListenerSet.
func (c *Conn) AddListener(l Listener) { c.listeners.Add(l) }

// RemoveListener removes the first occurrence of l.
func (c *Conn) RemoveListener(l Listener) bool { return c.listeners.Remove(l) }

// Listeners returns a snapshot of the packet listeners.
func (c *Conn) Listeners() []Listener { return c.listeners.Snapshot() }

// AddErrorHandler installs h and returns an id for RemoveErrorHandler.
// While at least one handler is installed the default logging handler is
// not used.
func (c *Conn) AddErrorHandler(h ErrorHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addErrorHandlerLocked(h)
}

func (c *Conn) addErrorHandlerLocked(h ErrorHandler) int {
	c.nextHandlerID++
	c.errHandlers = append(c.errHandlers, registeredHandler{id: c.nextHandlerID, h: h})
	return c.nextHandlerID
}

// RemoveErrorHandler removes the handler with the given id.
func (c *Conn) RemoveErrorHandler(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, rh := range c.errHandlers {
		if rh.id == id {
			c.errHandlers = slices.Delete(c.errHandlers, i, i+1)
			return true
		}
	}
	return false
}

// AddOnClose registers a hook that runs every time the receive loop exits.
func (c *Conn) AddOnClose(fn func(*Conn)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Conn) report(err error, origin any, kind Kind) {
	c.mu.Lock()
	handlers := slices.Clone(c.errHandlers)
	c.mu.Unlock()

	if len(handlers) == 0 {
		LogErrors(c.logger)(err, origin, kind)
		return
	}
	for _, rh := range handlers {
		rh.h(err, origin, kind)
	}
}
