// Package client dials packet servers and returns started connections.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/packetwire/internal/connection"
	"github.com/codewiresh/packetwire/internal/packet"
	"github.com/codewiresh/packetwire/internal/peer"
	"github.com/codewiresh/packetwire/internal/protocol"
)

// DefaultDialTimeout bounds connection setup when no other deadline applies.
const DefaultDialTimeout = 5 * time.Second

// Target is a parsed dial address.
type Target struct {
	// Network is "tcp", "unix" or "ws".
	Network string
	// Address is host:port for tcp, a socket path for unix, or a ws:// or
	// wss:// URL for ws.
	Address string
	// TLS is set for tls:// and wss:// targets.
	TLS bool
}

func (t Target) String() string {
	switch t.Network {
	case "ws":
		return t.Address
	case "tcp":
		if t.TLS {
			return "tls://" + t.Address
		}
		return "tcp://" + t.Address
	}
	return t.Network + "://" + t.Address
}

// ParseTarget accepts tcp://host:port, tls://host:port, unix:///path,
// ws:// and wss:// URLs, and a bare host:port (tcp). http:// and https://
// are rewritten to ws:// and wss://; a URL without a path gets /ws.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty target")
	}
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return Target{}, fmt.Errorf("target %q: %w", raw, err)
		}
		return Target{Network: "tcp", Address: raw}, nil
	}

	scheme, rest, _ := strings.Cut(raw, "://")
	switch strings.ToLower(scheme) {
	case "tcp", "tls":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Target{}, fmt.Errorf("target %q: %w", raw, err)
		}
		return Target{Network: "tcp", Address: rest, TLS: strings.EqualFold(scheme, "tls")}, nil
	case "unix":
		if rest == "" {
			return Target{}, fmt.Errorf("target %q: missing socket path", raw)
		}
		return Target{Network: "unix", Address: rest}, nil
	case "ws", "wss", "http", "https":
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("target %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		if u.Host == "" {
			return Target{}, fmt.Errorf("target %q: missing host", raw)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/ws"
		}
		return Target{Network: "ws", Address: u.String(), TLS: u.Scheme == "wss"}, nil
	}
	return Target{}, fmt.Errorf("target %q: unsupported scheme %q", raw, scheme)
}

// Option configures Dial.
type Option func(*dialer)

type dialer struct {
	token     string
	tlsConfig *tls.Config
	timeout   time.Duration
	limits    protocol.Limits
	connOpts  []peer.Option
}

// WithToken sends token as an "Authorization: Bearer" header on WebSocket
// upgrades.
func WithToken(token string) Option {
	return func(d *dialer) { d.token = token }
}

// WithTLS sets the TLS configuration for tls:// and wss:// targets.
func WithTLS(cfg *tls.Config) Option {
	return func(d *dialer) { d.tlsConfig = cfg }
}

// WithDialTimeout overrides DefaultDialTimeout. Zero or negative means no
// timeout beyond ctx.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *dialer) { d.timeout = timeout }
}

// WithLimits sets the frame limits for the transport.
func WithLimits(l protocol.Limits) Option {
	return func(d *dialer) { d.limits = l }
}

// WithConnOptions passes options through to peer.New.
func WithConnOptions(opts ...peer.Option) Option {
	return func(d *dialer) { d.connOpts = append(d.connOpts, opts...) }
}

// Dial connects to target and returns a started Conn that decodes packets
// with reg. The timeout covers connection setup only.
func Dial(ctx context.Context, target string, reg *packet.Registry, opts ...Option) (*peer.Conn, error) {
	tgt, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	d := &dialer{timeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(d)
	}

	t, err := d.dial(ctx, tgt)
	if err != nil {
		return nil, err
	}
	c := peer.New(reg, d.connOpts...)
	if err := c.Start(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

func (d *dialer) dial(ctx context.Context, tgt Target) (connection.Transport, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	switch tgt.Network {
	case "ws":
		return d.dialWS(ctx, tgt)
	case "tcp":
		if tgt.TLS {
			td := &tls.Dialer{Config: d.clientTLS()}
			conn, err := td.DialContext(ctx, "tcp", tgt.Address)
			if err != nil {
				return nil, fmt.Errorf("connecting to %s: %w", tgt, err)
			}
			return connection.NewStreamTransport(conn, d.limits), nil
		}
		fallthrough
	default:
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, tgt.Network, tgt.Address)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", tgt, err)
		}
		return connection.NewStreamTransport(conn, d.limits), nil
	}
}

func (d *dialer) dialWS(ctx context.Context, tgt Target) (connection.Transport, error) {
	// Send the token via the Authorization header only, never in the URL,
	// so it stays out of access logs.
	opts := &websocket.DialOptions{}
	if d.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.token}}
	}
	if tgt.TLS && d.tlsConfig != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: d.tlsConfig},
		}
	}

	conn, resp, err := websocket.Dial(ctx, tgt.Address, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("connecting to %s: unauthorized (check the token)", tgt.Address)
		}
		return nil, fmt.Errorf("connecting to %s: %w", tgt.Address, err)
	}
	host := tgt.Address
	if u, err := url.Parse(tgt.Address); err == nil {
		host = u.Host
	}
	return connection.NewWSTransport(conn, host, d.limits), nil
}

func (d *dialer) clientTLS() *tls.Config {
	if d.tlsConfig != nil {
		return d.tlsConfig
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
