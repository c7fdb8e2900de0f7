// Package node runs the server side of a packet network: it accepts TCP and
// WebSocket connections, starts a peer.Conn for each and keeps the set of
// live connections.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/codewiresh/packetwire/internal/auth"
	"github.com/codewiresh/packetwire/internal/config"
	"github.com/codewiresh/packetwire/internal/connection"
	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/packet"
	"github.com/codewiresh/packetwire/internal/peer"
	"github.com/codewiresh/packetwire/internal/protocol"
)

// ErrServerRunning is returned by Start on a server that is already running.
var ErrServerRunning = errors.New("server already running")

// ServerConn is an accepted connection.
type ServerConn struct {
	*peer.Conn
	// ID is a random uuid assigned on accept.
	ID string

	server *Server
}

// Server returns the server that accepted the connection.
func (sc *ServerConn) Server() *Server { return sc.server }

// ConnectionListener is told about every accepted connection before its
// receive loop starts. Returning without calling w.DontWait holds the
// connection's first inbound frame until OnConnect returns.
type ConnectionListener interface {
	OnConnect(ctx context.Context, sc *ServerConn, w *fanout.Wait) error
}

type connectionListenerFunc struct {
	fn func(ctx context.Context, sc *ServerConn, w *fanout.Wait) error
}

func (l *connectionListenerFunc) OnConnect(ctx context.Context, sc *ServerConn, w *fanout.Wait) error {
	return l.fn(ctx, sc, w)
}

// ConnectionListenerFunc adapts fn to a ConnectionListener. Each call returns
// a distinct value usable with RemoveConnectionListener.
func ConnectionListenerFunc(fn func(ctx context.Context, sc *ServerConn, w *fanout.Wait) error) ConnectionListener {
	return &connectionListenerFunc{fn: fn}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Connections log through it with a
// "conn" attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDataDir sets where the auth token is read from when the WebSocket
// listener requires one.
func WithDataDir(dir string) Option {
	return func(s *Server) { s.dataDir = dir }
}

// WithJournal records every frame of every connection through r.
func WithJournal(r peer.Recorder) Option {
	return func(s *Server) { s.journal = r }
}

// WithTLS serves both listeners over TLS with cfg, overriding the
// certificate files named in the configuration.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// Server accepts connections and tracks the live ones.
type Server struct {
	reg       *packet.Registry
	cfg       config.Config
	dataDir   string
	logger    *slog.Logger
	journal   peer.Recorder
	tlsConfig *tls.Config

	connectAllowed atomic.Bool

	mu              sync.Mutex
	running         bool
	cancel          context.CancelFunc
	ln              net.Listener
	wsLn            net.Listener
	httpSrv         *http.Server
	wg              sync.WaitGroup
	conns           []*ServerConn
	connListeners   []ConnectionListener
	packetListeners *peer.ListenerSet
	errHandlers     []peer.ErrorHandler
	connErrHandlers []peer.ErrorHandler
}

// New returns a Server that decodes packets with reg. cfg may be nil, in
// which case config.Default is used with no listeners.
func New(reg *packet.Registry, cfg *config.Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		reg:             reg,
		cfg:             *cfg,
		logger:          slog.Default(),
		packetListeners: peer.NewListenerSet(),
	}
	s.connectAllowed.Store(cfg.Node.ConnectAllowed())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry every accepted connection inherits.
func (s *Server) Registry() *packet.Registry { return s.reg }

// ---------------------------------------------------------------------------
// Listeners and handlers
// ---------------------------------------------------------------------------

// AddConnectionListener adds l. Adding it twice calls it twice.
func (s *Server) AddConnectionListener(l ConnectionListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connListeners = append(s.connListeners, l)
}

// RemoveConnectionListener removes the first occurrence of l.
func (s *Server) RemoveConnectionListener(l ConnectionListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.connListeners {
		if same(existing, l) {
			s.connListeners = slices.Delete(s.connListeners, i, i+1)
			return true
		}
	}
	return false
}

// same compares listeners by identity. Values of non-comparable types never
// match.
func same[T any](a, b T) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return any(a) == any(b)
}

// AddPacketListener adds l to every connection, live or future. Accepted
// connections share the server's listener set, so Conn.AddListener on one
// of them has the same effect.
func (s *Server) AddPacketListener(l peer.Listener) { s.packetListeners.Add(l) }

// RemovePacketListener removes the first occurrence of l from every
// connection.
func (s *Server) RemovePacketListener(l peer.Listener) bool { return s.packetListeners.Remove(l) }

// PacketListeners returns a snapshot of the shared packet listeners.
func (s *Server) PacketListeners() []peer.Listener { return s.packetListeners.Snapshot() }

// AddErrorHandler installs a handler for server errors: failed accepts,
// WebSocket upgrades and connection listeners. Connection errors go to the
// handlers added with AddConnectionErrorHandler.
func (s *Server) AddErrorHandler(h peer.ErrorHandler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errHandlers = append(s.errHandlers, h)
}

// AddConnectionErrorHandler installs h on every live connection and every
// connection accepted later.
func (s *Server) AddConnectionErrorHandler(h peer.ErrorHandler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.connErrHandlers = append(s.connErrHandlers, h)
	conns := slices.Clone(s.conns)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.AddErrorHandler(h)
	}
}

// SetConnectAllowed controls whether new connections are kept. Refused
// connections are closed as soon as they are accepted.
func (s *Server) SetConnectAllowed(allowed bool) { s.connectAllowed.Store(allowed) }

// ConnectAllowed reports whether new connections are kept.
func (s *Server) ConnectAllowed() bool { return s.connectAllowed.Load() }

func (s *Server) report(err error, origin any, kind peer.Kind) {
	s.mu.Lock()
	handlers := slices.Clone(s.errHandlers)
	s.mu.Unlock()

	if len(handlers) == 0 {
		peer.LogErrors(s.logger)(err, origin, kind)
		return
	}
	for _, h := range handlers {
		h(err, origin, kind)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds the configured listeners and begins accepting. It returns
// once both are bound; the server runs until ctx is done or Close is
// called. A closed server may be started again.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerRunning
	}
	if s.cfg.Node.Listen == nil && s.cfg.Node.WSListen == nil {
		return errors.New("no listen or ws_listen address configured")
	}

	tlsCfg := s.tlsConfig
	if tlsCfg == nil && s.cfg.Node.TLSEnabled() {
		var err error
		tlsCfg, err = connection.LoadServerTLS(s.cfg.Node.TLSCert, s.cfg.Node.TLSKey)
		if err != nil {
			return err
		}
	}

	var ln, wsLn net.Listener
	if addr := s.cfg.Node.Listen; addr != nil {
		var err error
		ln, err = net.Listen("tcp", *addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", *addr, err)
		}
		if tlsCfg != nil {
			ln = tls.NewListener(ln, tlsCfg)
		}
	}
	if addr := s.cfg.Node.WSListen; addr != nil {
		var err error
		wsLn, err = net.Listen("tcp", *addr)
		if err != nil {
			if ln != nil {
				ln.Close()
			}
			return fmt.Errorf("listening on %s: %w", *addr, err)
		}
		if tlsCfg != nil {
			wsLn = tls.NewListener(wsLn, tlsCfg)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ln, s.wsLn = ln, wsLn
	s.running = true

	if ln != nil {
		s.logger.Info("listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, ln)
		}()
	}
	if wsLn != nil {
		s.httpSrv = s.newWSServer(ctx)
		s.logger.Info("websocket server listening", "addr", wsLn.Addr().String(), "path", s.cfg.Node.WSPath, "tls", tlsCfg != nil)
		srv := s.httpSrv
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.report(fmt.Errorf("websocket server: %w", err), s, peer.KindAcceptingConnections)
			}
		}()
	}

	// Close the listeners when ctx is cancelled so Accept unblocks.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.shutdownListeners()
	}()
	return nil
}

// Addr returns the TCP listener address, or nil when it is not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// WSAddr returns the WebSocket listener address, or nil.
func (s *Server) WSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// Alive reports whether Start has succeeded without a matching Close.
func (s *Server) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops accepting, closes every live connection and waits for the
// accept loops to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	var errs []error
	for _, sc := range s.Connections() {
		if err := sc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", sc.ID, err))
		}
	}

	s.mu.Lock()
	s.running = false
	s.ln, s.wsLn, s.httpSrv = nil, nil, nil
	s.mu.Unlock()
	return errors.Join(errs...)
}

func (s *Server) shutdownListeners() {
	s.mu.Lock()
	ln, srv := s.ln, s.httpSrv
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	limits := protocol.Limits{MaxPayload: s.cfg.Peer.MaxPayload}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.report(fmt.Errorf("accepting connection: %w", err), s, peer.KindAcceptingConnections)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, connection.NewStreamTransport(conn, limits))
		}()
	}
}

// newWSServer builds the HTTP server that upgrades requests on the
// configured path and validates the auth token when one is required.
func (s *Server) newWSServer(ctx context.Context) *http.Server {
	limits := protocol.Limits{MaxPayload: s.cfg.Peer.MaxPayload}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Node.WSPath, func(w http.ResponseWriter, r *http.Request) {
		s.wg.Add(1)
		defer s.wg.Done()

		if s.cfg.Node.RequireToken && !auth.ValidateToken(s.dataDir, auth.RequestToken(r)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.report(fmt.Errorf("websocket accept: %w", err), s, peer.KindGenericWebSocket)
			return
		}
		s.serve(ctx, connection.NewWSTransport(wsConn, r.RemoteAddr, limits))
	})
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

// serve turns an accepted transport into a running ServerConn.
func (s *Server) serve(ctx context.Context, t connection.Transport) {
	if !s.connectAllowed.Load() {
		s.logger.Debug("connection refused", "remote", t.RemoteAddr())
		_ = t.Close()
		return
	}

	reg := packet.NewRegistry()
	reg.RegisterAll(s.reg)
	sc := &ServerConn{ID: uuid.NewString(), server: s}

	s.mu.Lock()
	opts := []peer.Option{
		peer.WithTimeout(s.cfg.Peer.Timeout()),
		peer.WithLogger(s.logger.With("conn", sc.ID)),
		peer.WithOnClose(func(*peer.Conn) { s.remove(sc) }),
		peer.WithListenerSet(s.packetListeners),
	}
	if s.journal != nil {
		opts = append(opts, peer.WithJournal(s.journal))
	}
	for _, h := range s.connErrHandlers {
		opts = append(opts, peer.WithErrorHandler(h))
	}
	listeners := slices.Clone(s.connListeners)
	sc.Conn = peer.New(reg, opts...)
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	release, err := sc.Attach(t)
	if err != nil {
		s.remove(sc)
		_ = t.Close()
		s.report(fmt.Errorf("starting connection: %w", err), s, peer.KindAcceptingConnections)
		return
	}
	s.logger.Info("connection accepted", "conn", sc.ID, "remote", t.RemoteAddr())

	err = fanout.Run(ctx, len(listeners), func(ctx context.Context, i int, w *fanout.Wait) error {
		return listeners[i].OnConnect(ctx, sc, w)
	}, func(i int, err error) {
		s.report(err, listeners[i], peer.KindInsideConnectionListener)
	})
	if err != nil || ctx.Err() != nil {
		_ = sc.Close()
		return
	}
	release()
}

func (s *Server) remove(sc *ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.conns, sc); i >= 0 {
		s.conns = slices.Delete(s.conns, i, i+1)
		s.logger.Debug("connection removed", "conn", sc.ID)
	}
}

// Connections returns a snapshot of the live connections in accept order.
// A connection whose listeners are still running is included.
func (s *Server) Connections() []*ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conns)
}

// Broadcast sends p to every live connection except the excluded ones. A
// failed send does not stop the others; all failures are returned joined.
func (s *Server) Broadcast(p packet.Packet, excluded ...*peer.Conn) error {
	return s.broadcast(p, nil, excluded)
}

// BroadcastWithListener is Broadcast with l registered for the replies on
// each connection.
func (s *Server) BroadcastWithListener(p packet.Packet, l peer.Listener, excluded ...*peer.Conn) error {
	if l == nil {
		return fmt.Errorf("%w: nil response listener", packet.ErrInvalidArgument)
	}
	return s.broadcast(p, l, excluded)
}

func (s *Server) broadcast(p packet.Packet, l peer.Listener, excluded []*peer.Conn) error {
	var errs []error
	for _, sc := range s.Connections() {
		if slices.Contains(excluded, sc.Conn) {
			continue
		}
		var err error
		if l != nil {
			_, err = sc.SendWithListener(p, l)
		} else {
			_, err = sc.Send(p)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", sc.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("broadcasting packet: %w", errors.Join(errs...))
	}
	return nil
}
