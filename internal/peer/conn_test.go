package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codewiresh/packetwire/internal/connection"
	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/packet"
	"github.com/codewiresh/packetwire/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type ping struct{ N int32 }

func (p *ping) WritePacket(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, p.N)
}

func decodePing(b []byte) (*ping, error) {
	if len(b) != 4 {
		return nil, errors.New("ping: want 4 bytes")
	}
	return &ping{N: int32(binary.BigEndian.Uint32(b))}, nil
}

type broken struct{}

func (broken) WritePacket(io.Writer) error { return nil }

func decodeBroken([]byte) (broken, error) { return broken{}, errors.New("cannot build broken") }

type fragile struct{}

func (fragile) WritePacket(io.Writer) error { return nil }

func decodeFragile(b []byte) (fragile, error) {
	_ = b[3] // short payloads panic
	return fragile{}, nil
}

func testRegistry(t *testing.T) *packet.Registry {
	t.Helper()
	reg := packet.NewRegistry()
	if err := packet.RegisterType(reg, decodePing); err != nil {
		t.Fatal(err)
	}
	return reg
}

// tcpPair returns both ends of a loopback TCP connection. TCP buffering keeps
// listeners that send from inside the receive loop from deadlocking.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

func startPair(t *testing.T, a, b *Conn) {
	t.Helper()
	ca, cb := tcpPair(t)
	if err := a.Start(connection.NewStreamTransport(ca, protocol.Limits{})); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := b.Start(connection.NewStreamTransport(cb, protocol.Limits{})); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
}

type reported struct {
	err    error
	origin any
	kind   Kind
}

type errorLog struct {
	mu      sync.Mutex
	entries []reported
}

func (e *errorLog) handle(err error, origin any, kind Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, reported{err: err, origin: origin, kind: kind})
}

func (e *errorLog) snapshot() []reported {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]reported(nil), e.entries...)
}

func (e *errorLog) waitFor(t *testing.T, kind Kind) reported {
	t.Helper()
	var found reported
	eventually(t, func() bool {
		for _, r := range e.snapshot() {
			if r.kind == kind {
				found = r
				return true
			}
		}
		return false
	})
	return found
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}

// collector records every message a listener sees.
type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) OnPacket(_ context.Context, msg *Message, _ *fanout.Wait) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) get(i int) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

// echoPong replies to every string primitive with "pong:" + the string.
func echoPong() Listener {
	return ListenerFunc(func(_ context.Context, msg *Message, _ *fanout.Wait) error {
		s, ok := msg.Packet.(*packet.Primitive).StringValue()
		if !ok {
			return nil
		}
		_, err := msg.Reply(packet.String("pong:" + s))
		return err
	})
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSendBeforeStart(t *testing.T) {
	c := New(packet.NewRegistry())
	if _, err := c.Send(packet.Int(1)); !errors.Is(err, ErrNotAlive) {
		t.Fatalf("err = %v, want ErrNotAlive", err)
	}
	if c.State() != NotStarted || c.Alive() {
		t.Errorf("state = %s alive = %v, want not_started and not alive", c.State(), c.Alive())
	}
}

func TestFrameIDsStrictlyIncrease(t *testing.T) {
	got := &collector{}
	a := New(testRegistry(t))
	b := New(testRegistry(t), WithListener(got))
	startPair(t, a, b)

	if a.LastFrameID() != -1 {
		t.Fatalf("LastFrameID before sending = %d, want -1", a.LastFrameID())
	}
	for i := 0; i < 10; i++ {
		id, err := a.Send(packet.Int(int32(i)))
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if id != uint32(i) {
			t.Fatalf("Send %d returned id %d", i, id)
		}
	}
	if a.LastFrameID() != 9 {
		t.Errorf("LastFrameID = %d, want 9", a.LastFrameID())
	}

	eventually(t, func() bool { return got.len() == 10 })
	for i := 1; i < 10; i++ {
		if got.get(i).FrameID <= got.get(i-1).FrameID {
			t.Fatalf("frame %d id %d not greater than %d", i, got.get(i).FrameID, got.get(i-1).FrameID)
		}
		v, _ := packet.As[int32](got.get(i).Packet.(*packet.Primitive))
		if v != int32(i) {
			t.Errorf("frame %d carried %d", i, v)
		}
	}
}

func TestSendUnregisteredConsumesNoID(t *testing.T) {
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	_, err := a.Send(&ping{N: 1})
	if !errors.Is(err, packet.ErrUnregisteredType) {
		t.Fatalf("err = %v, want ErrUnregisteredType", err)
	}
	if a.LastFrameID() != -1 {
		t.Errorf("LastFrameID = %d after unregistered send, want -1", a.LastFrameID())
	}
	if id, err := a.Send(packet.Null()); err != nil || id != 0 {
		t.Errorf("next Send = %d, %v; want 0, nil", id, err)
	}
}

func TestSendNilPacket(t *testing.T) {
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry())
	startPair(t, a, b)
	if _, err := a.Send(nil); !errors.Is(err, packet.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

// ---------------------------------------------------------------------------
// Response correlation
// ---------------------------------------------------------------------------

func TestSendWithResponse(t *testing.T) {
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithListener(echoPong()))
	startPair(t, a, b)

	msg, err := a.SendWithResponse(context.Background(), packet.String("hi"))
	if err != nil {
		t.Fatalf("SendWithResponse: %v", err)
	}
	if msg == nil {
		t.Fatal("SendWithResponse returned no reply")
	}
	if s, _ := msg.Packet.(*packet.Primitive).StringValue(); s != "pong:hi" {
		t.Errorf("reply = %q, want pong:hi", s)
	}
	if msg.ResponseTo != 0 {
		t.Errorf("ResponseTo = %d, want 0", msg.ResponseTo)
	}
	if a.PendingResponses() != 0 {
		t.Errorf("PendingResponses = %d after SendWithResponse, want 0", a.PendingResponses())
	}
}

func TestSendWithResponseTimeout(t *testing.T) {
	a := New(packet.NewRegistry(), WithTimeout(50*time.Millisecond))
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	start := time.Now()
	msg, err := a.SendWithResponse(context.Background(), packet.String("anyone?"))
	elapsed := time.Since(start)
	if err != nil || msg != nil {
		t.Fatalf("SendWithResponse = %v, %v; want nil, nil", msg, err)
	}
	if elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("returned after %v, want about 50ms", elapsed)
	}
}

func TestSendWithResponseContextCancel(t *testing.T) {
	a := New(packet.NewRegistry(), WithTimeout(NoTimeout))
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	msg, err := a.SendWithResponse(ctx, packet.Null())
	if !errors.Is(err, context.DeadlineExceeded) || msg != nil {
		t.Fatalf("SendWithResponse = %v, %v; want nil, DeadlineExceeded", msg, err)
	}
	if a.PendingResponses() != 0 {
		t.Errorf("PendingResponses = %d, want 0", a.PendingResponses())
	}
}

func TestReplyBeforeDeadlineKeepsListener(t *testing.T) {
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithListener(ListenerFunc(func(_ context.Context, msg *Message, _ *fanout.Wait) error {
		if _, err := msg.Reply(packet.Int(1)); err != nil {
			return err
		}
		_, err := msg.Reply(packet.Int(2))
		return err
	})))
	startPair(t, a, b)

	replies := &collector{}
	id, err := a.SendWithListener(packet.Null(), replies)
	if err != nil {
		t.Fatalf("SendWithListener: %v", err)
	}

	eventually(t, func() bool { return replies.len() == 2 })
	for i := 0; i < 2; i++ {
		if got := replies.get(i).ResponseTo; got != int32(id) {
			t.Errorf("reply %d ResponseTo = %d, want %d", i, got, id)
		}
	}
	if a.PendingResponses() != 1 {
		t.Errorf("PendingResponses = %d, want 1 (replies do not remove the entry)", a.PendingResponses())
	}
}

func TestLateReplyIsDropped(t *testing.T) {
	errs := &errorLog{}
	a := New(packet.NewRegistry(), WithTimeout(30*time.Millisecond), WithErrorHandler(errs.handle))
	replied := make(chan struct{})
	b := New(packet.NewRegistry(), WithListener(ListenerFunc(func(_ context.Context, msg *Message, w *fanout.Wait) error {
		w.DontWait()
		time.Sleep(100 * time.Millisecond)
		_, err := msg.Reply(packet.String("too late"))
		close(replied)
		return err
	})))
	startPair(t, a, b)

	replies := &collector{}
	if _, err := a.SendWithListener(packet.Null(), replies); err != nil {
		t.Fatalf("SendWithListener: %v", err)
	}

	<-replied
	// The late reply is read, found expired and discarded.
	eventually(t, func() bool { return a.PendingResponses() == 0 })
	time.Sleep(20 * time.Millisecond)
	if replies.len() != 0 {
		t.Errorf("response listener called %d times after its deadline", replies.len())
	}
	if len(errs.snapshot()) != 0 {
		t.Errorf("unexpected errors: %v", errs.snapshot())
	}
}

func TestExpiredEntriesSweptOnSend(t *testing.T) {
	a := New(packet.NewRegistry(), WithTimeout(10*time.Millisecond))
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	for i := 0; i < 3; i++ {
		if _, err := a.SendWithListener(packet.Null(), &collector{}); err != nil {
			t.Fatal(err)
		}
	}
	if a.PendingResponses() != 3 {
		t.Fatalf("PendingResponses = %d, want 3", a.PendingResponses())
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := a.Send(packet.Null()); err != nil {
		t.Fatal(err)
	}
	if a.PendingResponses() != 0 {
		t.Errorf("PendingResponses = %d after sweep, want 0", a.PendingResponses())
	}
}

func TestCleanResponseListeners(t *testing.T) {
	a := New(packet.NewRegistry(), WithTimeout(10*time.Millisecond))
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	if _, err := a.SendWithListener(packet.Null(), &collector{}); err != nil {
		t.Fatal(err)
	}
	a.SetTimeout(NoTimeout)
	if _, err := a.SendWithListener(packet.Null(), &collector{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	a.CleanResponseListeners()
	if a.PendingResponses() != 1 {
		t.Errorf("PendingResponses = %d, want 1 (entry without deadline stays)", a.PendingResponses())
	}
}

func TestRemoveResponseListeners(t *testing.T) {
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	shared := &collector{}
	other := ListenerFunc(func(context.Context, *Message, *fanout.Wait) error { return nil })
	id1, _ := a.SendWithListener(packet.Null(), shared)
	if _, err := a.SendWithListener(packet.Null(), shared); err != nil {
		t.Fatal(err)
	}
	id3, _ := a.SendWithListener(packet.Null(), other)

	if !a.RemoveResponseListener(id3) {
		t.Error("RemoveResponseListener(id3) = false")
	}
	if a.RemoveResponseListener(id3) {
		t.Error("second RemoveResponseListener(id3) = true")
	}
	if !a.RemoveResponseListenerFunc(shared) {
		t.Error("RemoveResponseListenerFunc(shared) = false")
	}
	if a.PendingResponses() != 0 {
		t.Errorf("PendingResponses = %d, want 0", a.PendingResponses())
	}
	if a.RemoveResponseListener(id1) {
		t.Error("id1 still registered")
	}
}

func TestRemoveResponseWakesWaiter(t *testing.T) {
	a := New(packet.NewRegistry(), WithTimeout(NoTimeout))
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := a.SendWithResponse(context.Background(), packet.Null())
		done <- result{msg, err}
	}()

	eventually(t, func() bool { return a.PendingResponses() == 1 })
	a.RemoveResponseListener(uint32(a.LastFrameID()))

	select {
	case r := <-done:
		if r.msg != nil || r.err != nil {
			t.Fatalf("SendWithResponse = %v, %v; want nil, nil", r.msg, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendWithResponse still blocked after removal")
	}
}

// ---------------------------------------------------------------------------
// Reply tokens
// ---------------------------------------------------------------------------

func TestReplyTokenMustBelongToConnection(t *testing.T) {
	got := &collector{}
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithListener(got))
	startPair(t, a, b)

	if _, err := a.Send(packet.Null()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return got.len() == 1 })
	msg := got.get(0)

	if _, err := a.Reply(msg, packet.Null()); !errors.Is(err, ErrUnknownReplyToken) {
		t.Errorf("reply on the wrong connection: err = %v, want ErrUnknownReplyToken", err)
	}
	if _, err := b.Reply(nil, packet.Null()); !errors.Is(err, ErrUnknownReplyToken) {
		t.Errorf("reply to nil: err = %v, want ErrUnknownReplyToken", err)
	}
	if _, err := b.Reply(&Message{FrameID: msg.FrameID}, packet.Null()); !errors.Is(err, ErrUnknownReplyToken) {
		t.Errorf("reply to a forged message: err = %v, want ErrUnknownReplyToken", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Reply(msg, packet.Null()); !errors.Is(err, ErrUnknownReplyToken) {
		t.Errorf("reply after close: err = %v, want ErrUnknownReplyToken", err)
	}
}

// ---------------------------------------------------------------------------
// Wait barrier
// ---------------------------------------------------------------------------

func TestListenerHoldsNextFrame(t *testing.T) {
	release := make(chan struct{})
	var seen atomic.Int32
	b := New(packet.NewRegistry(), WithListener(ListenerFunc(func(_ context.Context, msg *Message, _ *fanout.Wait) error {
		if seen.Add(1) == 1 {
			<-release
		}
		return nil
	})))
	a := New(packet.NewRegistry())
	startPair(t, a, b)

	a.Send(packet.Int(1))
	a.Send(packet.Int(2))

	eventually(t, func() bool { return seen.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := seen.Load(); n != 1 {
		t.Fatalf("second frame dispatched while the first listener was still running (seen=%d)", n)
	}
	close(release)
	eventually(t, func() bool { return seen.Load() == 2 })
}

func TestDontWaitReleasesNextFrame(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var seen atomic.Int32
	b := New(packet.NewRegistry(), WithListener(ListenerFunc(func(_ context.Context, msg *Message, w *fanout.Wait) error {
		if seen.Add(1) == 1 {
			w.DontWait()
			<-release
		}
		return nil
	})))
	a := New(packet.NewRegistry())
	startPair(t, a, b)

	a.Send(packet.Int(1))
	a.Send(packet.Int(2))
	eventually(t, func() bool { return seen.Load() == 2 })
}

func TestListenersRunConcurrently(t *testing.T) {
	var running sync.WaitGroup
	running.Add(2)
	bothStarted := make(chan struct{})
	go func() {
		running.Wait()
		close(bothStarted)
	}()

	listener := func() Listener {
		return ListenerFunc(func(context.Context, *Message, *fanout.Wait) error {
			running.Done()
			<-bothStarted
			return nil
		})
	}
	b := New(packet.NewRegistry(), WithListener(listener()), WithListener(listener()))
	a := New(packet.NewRegistry())
	startPair(t, a, b)

	a.Send(packet.Null())
	select {
	case <-bothStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("listeners did not run concurrently")
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestUnregisteredInboundType(t *testing.T) {
	errs := &errorLog{}
	got := &collector{}
	a := New(testRegistry(t))
	b := New(packet.NewRegistry(), WithErrorHandler(errs.handle), WithListener(got))
	startPair(t, a, b)

	if _, err := a.Send(&ping{N: 7}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := errs.waitFor(t, KindUnregisteredPacket)
	if !errors.Is(r.err, packet.ErrUnregisteredType) {
		t.Errorf("err = %v, want ErrUnregisteredType", r.err)
	}
	if f, ok := r.origin.(*protocol.Frame); !ok || f.TypeID != 1 {
		t.Errorf("origin = %#v, want the frame with type-id 1", r.origin)
	}

	if _, err := a.Send(packet.Int(1)); err != nil {
		t.Fatalf("Send after dropped frame: %v", err)
	}
	eventually(t, func() bool { return got.len() == 1 })
	if !b.Alive() {
		t.Error("connection closed after an unregistered frame")
	}
}

func TestConstructingPacketError(t *testing.T) {
	errs := &errorLog{}
	regA, regB := packet.NewRegistry(), packet.NewRegistry()
	for _, r := range []*packet.Registry{regA, regB} {
		if err := packet.RegisterType(r, decodeBroken); err != nil {
			t.Fatal(err)
		}
	}
	a := New(regA)
	b := New(regB, WithErrorHandler(errs.handle))
	startPair(t, a, b)

	if _, err := a.Send(broken{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := errs.waitFor(t, KindConstructingPacket)
	if r.kind.Severity() != CloseNothing {
		t.Errorf("severity = %s, want nothing", r.kind.Severity())
	}
	if !b.Alive() {
		t.Error("connection closed after a decode failure")
	}
}

func TestDecoderPanicIsReported(t *testing.T) {
	errs := &errorLog{}
	got := &collector{}
	regA, regB := packet.NewRegistry(), packet.NewRegistry()
	for _, r := range []*packet.Registry{regA, regB} {
		if err := packet.RegisterType(r, decodeFragile); err != nil {
			t.Fatal(err)
		}
	}
	a := New(regA)
	b := New(regB, WithErrorHandler(errs.handle), WithListener(got))
	startPair(t, a, b)

	if _, err := a.Send(fragile{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := errs.waitFor(t, KindConstructingPacket)
	var pe *fanout.PanicError
	if !errors.As(r.err, &pe) {
		t.Fatalf("err = %v, want *fanout.PanicError", r.err)
	}
	if f, ok := r.origin.(*protocol.Frame); !ok || f.TypeID != 1 {
		t.Errorf("origin = %#v, want the frame with type-id 1", r.origin)
	}

	if _, err := a.Send(packet.Int(7)); err != nil {
		t.Fatalf("Send after panicking decoder: %v", err)
	}
	eventually(t, func() bool { return got.len() == 1 })
	if p, ok := got.get(0).Packet.(*packet.Primitive); !ok || p.Value() != int32(7) {
		t.Errorf("first dispatched packet = %v, want int 7", got.get(0).Packet)
	}
	if !b.Alive() {
		t.Error("connection closed after a decoder panic")
	}
}

func TestListenerErrorReported(t *testing.T) {
	errs := &errorLog{}
	boom := errors.New("boom")
	failing := ListenerFunc(func(context.Context, *Message, *fanout.Wait) error { return boom })
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithErrorHandler(errs.handle), WithListener(failing))
	startPair(t, a, b)

	a.Send(packet.Null())
	r := errs.waitFor(t, KindInsidePacketListener)
	if !errors.Is(r.err, boom) {
		t.Errorf("err = %v, want boom", r.err)
	}
	if l, ok := r.origin.(Listener); !ok || !sameListener(l, failing) {
		t.Errorf("origin = %v, want the failing listener", r.origin)
	}
}

func TestFatalReadErrorClosesConnection(t *testing.T) {
	errs := &errorLog{}
	closed := make(chan struct{})
	b := New(packet.NewRegistry(),
		WithErrorHandler(errs.handle),
		WithOnClose(func(*Conn) { close(closed) }),
	)

	raw, other := tcpPair(t)
	defer raw.Close()
	if err := b.Start(connection.NewStreamTransport(other, protocol.Limits{MaxPayload: 8})); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	var header [protocol.HeaderSize]byte
	binary.BigEndian.PutUint32(header[12:], 1024)
	if _, err := raw.Write(header[:]); err != nil {
		t.Fatal(err)
	}

	r := errs.waitFor(t, KindHandlingPackets)
	if !errors.Is(r.err, protocol.ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", r.err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose did not run")
	}
	if b.State() != Stopped || b.Alive() {
		t.Errorf("state = %s alive = %v after fatal error", b.State(), b.Alive())
	}
}

func TestDefaultErrorHandlerLogs(t *testing.T) {
	c := New(packet.NewRegistry())
	// No handler installed: must not panic.
	c.report(errors.New("x"), c, KindInsidePacketListener)

	id := c.AddErrorHandler(func(error, any, Kind) {})
	if !c.RemoveErrorHandler(id) {
		t.Error("RemoveErrorHandler = false")
	}
	if c.RemoveErrorHandler(id) {
		t.Error("second RemoveErrorHandler = true")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestCloseDiscardsPendingResponses(t *testing.T) {
	a := New(packet.NewRegistry(), WithTimeout(NoTimeout))
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	waiting := make(chan error, 1)
	go func() {
		msg, err := a.SendWithResponse(context.Background(), packet.Null())
		if msg != nil {
			err = errors.New("unexpected reply")
		}
		waiting <- err
	}()
	if _, err := a.SendWithListener(packet.Null(), &collector{}); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return a.PendingResponses() == 2 })

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.PendingResponses() != 0 {
		t.Errorf("PendingResponses = %d after Close, want 0", a.PendingResponses())
	}
	select {
	case err := <-waiting:
		if err != nil {
			t.Errorf("SendWithResponse: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendWithResponse still blocked after Close")
	}
	if _, err := a.Send(packet.Null()); !errors.Is(err, ErrNotAlive) {
		t.Errorf("Send after Close: err = %v, want ErrNotAlive", err)
	}
}

func TestCloseFromListener(t *testing.T) {
	closedFromListener := make(chan error, 1)
	b := New(packet.NewRegistry(), WithListener(ListenerFunc(func(_ context.Context, msg *Message, _ *fanout.Wait) error {
		closedFromListener <- msg.Conn().Close()
		return nil
	})))
	a := New(packet.NewRegistry())
	startPair(t, a, b)

	a.Send(packet.Null())
	select {
	case err := <-closedFromListener:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close from a listener deadlocked")
	}
	if b.State() != Stopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
}

func TestRemoteCloseStopsConnection(t *testing.T) {
	closed := make(chan struct{})
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithOnClose(func(*Conn) { close(closed) }))
	startPair(t, a, b)

	a.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("remote close not observed")
	}
}

func TestStartTwice(t *testing.T) {
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry())
	startPair(t, a, b)

	x, _ := tcpPair(t)
	defer x.Close()
	if err := a.Start(connection.NewStreamTransport(x, protocol.Limits{})); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestRestartAfterClose(t *testing.T) {
	got := &collector{}
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithListener(got))
	startPair(t, a, b)

	a.Send(packet.Int(1))
	eventually(t, func() bool { return got.len() == 1 })
	a.Close()
	b.Close()

	startPair(t, a, b)
	id, err := a.Send(packet.Int(2))
	if err != nil {
		t.Fatalf("Send after restart: %v", err)
	}
	if id != 1 {
		t.Errorf("id after restart = %d, want 1", id)
	}
	eventually(t, func() bool { return got.len() == 2 })
}

func TestAttachHoldsReceiveLoop(t *testing.T) {
	got := &collector{}
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithListener(got))

	ca, cb := tcpPair(t)
	if err := a.Start(connection.NewStreamTransport(ca, protocol.Limits{})); err != nil {
		t.Fatal(err)
	}
	release, err := b.Attach(connection.NewStreamTransport(cb, protocol.Limits{}))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// A held Conn can already send.
	if _, err := b.Send(packet.Int(7)); err != nil {
		t.Fatalf("Send while held: %v", err)
	}
	a.Send(packet.Int(1))
	time.Sleep(50 * time.Millisecond)
	if got.len() != 0 {
		t.Fatal("held Conn dispatched a packet")
	}

	release()
	release()
	eventually(t, func() bool { return got.len() == 1 })
}

func TestCloseHeldConn(t *testing.T) {
	c := New(packet.NewRegistry())
	x, _ := tcpPair(t)
	if _, err := c.Attach(connection.NewStreamTransport(x, protocol.Limits{})); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != Stopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

// ---------------------------------------------------------------------------
// Listener management
// ---------------------------------------------------------------------------

func TestAddRemoveListener(t *testing.T) {
	c := New(packet.NewRegistry())
	l1 := ListenerFunc(func(context.Context, *Message, *fanout.Wait) error { return nil })
	l2 := ListenerFunc(func(context.Context, *Message, *fanout.Wait) error { return nil })
	c.AddListener(l1)
	c.AddListener(l2)
	c.AddListener(nil)

	if n := len(c.Listeners()); n != 2 {
		t.Fatalf("Listeners() has %d entries, want 2", n)
	}
	if !c.RemoveListener(l1) {
		t.Error("RemoveListener(l1) = false")
	}
	if c.RemoveListener(l1) {
		t.Error("second RemoveListener(l1) = true")
	}
	if ls := c.Listeners(); len(ls) != 1 || !sameListener(ls[0], l2) {
		t.Errorf("Listeners() = %v, want [l2]", ls)
	}
}

func TestSharedListenerSet(t *testing.T) {
	set := NewListenerSet()
	a := New(packet.NewRegistry())
	b := New(packet.NewRegistry(), WithListenerSet(set))
	c := New(packet.NewRegistry(), WithListenerSet(set))
	startPair(t, a, b)

	// Added after b is running, through the set itself.
	got := &collector{}
	set.Add(got)
	a.Send(packet.String("hello"))
	eventually(t, func() bool { return got.len() == 1 })

	// Changes made through one Conn are seen by every Conn on the set.
	extra := &collector{}
	c.AddListener(extra)
	if n := len(b.Listeners()); n != 2 {
		t.Fatalf("b.Listeners() has %d entries, want 2", n)
	}
	a.Send(packet.String("again"))
	eventually(t, func() bool { return extra.len() == 1 && got.len() == 2 })

	if !b.RemoveListener(got) || set.Len() != 1 {
		t.Fatalf("RemoveListener through b left %d listeners, want 1", set.Len())
	}
	a.Send(packet.String("last"))
	eventually(t, func() bool { return extra.len() == 2 })
	if got.len() != 2 {
		t.Errorf("removed listener saw %d packets, want 2", got.len())
	}
}

// funcListener is not comparable, so it can never be matched for removal.
type funcListener func(ctx context.Context, msg *Message, w *fanout.Wait) error

func (f funcListener) OnPacket(ctx context.Context, msg *Message, w *fanout.Wait) error {
	return f(ctx, msg, w)
}

func TestIncomparableListenerNeverMatches(t *testing.T) {
	c := New(packet.NewRegistry())
	l := funcListener(func(context.Context, *Message, *fanout.Wait) error { return nil })
	c.AddListener(l)
	if c.RemoveListener(l) {
		t.Error("RemoveListener matched a non-comparable listener")
	}
	if c.RemoveResponseListenerFunc(l) {
		t.Error("RemoveResponseListenerFunc matched a non-comparable listener")
	}
}

func TestTimeoutSettings(t *testing.T) {
	c := New(packet.NewRegistry())
	if c.Timeout() != DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", c.Timeout(), DefaultTimeout)
	}
	c.SetTimeout(-5 * time.Second)
	if c.Timeout() != NoTimeout {
		t.Errorf("Timeout() = %v, want NoTimeout", c.Timeout())
	}
	c.SetTimeout(time.Second)
	if c.Timeout() != time.Second {
		t.Errorf("Timeout() = %v, want 1s", c.Timeout())
	}
}
