package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotAlive is returned when sending on a Conn that is not running or
	// whose transport has closed.
	ErrNotAlive = errors.New("peer: connection is not alive")
	// ErrUnknownReplyToken is returned when replying to a message that was
	// not received by this Conn during its current run.
	ErrUnknownReplyToken = errors.New("peer: message was not received on this connection")
	// ErrAlreadyStarted is returned by Start on a running Conn.
	ErrAlreadyStarted = errors.New("peer: connection already started")
)

// Severity describes what the engine did in response to an error.
type Severity int

const (
	// CloseNothing means the connection is still alive.
	CloseNothing Severity = iota
	// CloseConnection means the connection was closed; a server stays up.
	CloseConnection
	// CloseServer means the whole server stopped.
	CloseServer
	// CloseUnknown is used for WebSocket failures whose outcome is not known.
	CloseUnknown
)

func (s Severity) String() string {
	switch s {
	case CloseNothing:
		return "nothing"
	case CloseConnection:
		return "close_connection"
	case CloseServer:
		return "close_server"
	case CloseUnknown:
		return "unknown"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Kind classifies an error reported to an ErrorHandler.
type Kind int

const (
	// KindUnregisteredPacket: an inbound frame named a type-id with no
	// registered type. The frame is dropped.
	KindUnregisteredPacket Kind = iota
	// KindConstructingPacket: a decoder failed. The frame is dropped.
	KindConstructingPacket
	// KindHandlingPackets: the receive loop failed; the connection closes.
	KindHandlingPackets
	// KindInsidePacketListener: a packet listener returned an error or panicked.
	KindInsidePacketListener
	// KindClosingConnection: closing the transport after a fatal error failed.
	KindClosingConnection
	// KindAcceptingConnections: a server could not accept a connection.
	KindAcceptingConnections
	// KindInsideConnectionListener: a connection listener returned an error or panicked.
	KindInsideConnectionListener
	// KindReadingWebSocketPacket: a WebSocket message did not hold a valid frame.
	KindReadingWebSocketPacket
	// KindGenericWebSocket: any other WebSocket failure.
	KindGenericWebSocket
)

var kindInfo = [...]struct {
	name     string
	severity Severity
}{
	KindUnregisteredPacket:       {"unregistered_packet", CloseNothing},
	KindConstructingPacket:       {"constructing_packet", CloseNothing},
	KindHandlingPackets:          {"handling_packets", CloseConnection},
	KindInsidePacketListener:     {"inside_packet_listener", CloseNothing},
	KindClosingConnection:        {"closing_connection", CloseConnection},
	KindAcceptingConnections:     {"accepting_connections", CloseNothing},
	KindInsideConnectionListener: {"inside_connection_listener", CloseNothing},
	KindReadingWebSocketPacket:   {"reading_websocket_packet", CloseNothing},
	KindGenericWebSocket:         {"generic_websocket", CloseUnknown},
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindInfo) {
		return kindInfo[k].name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Severity reports how the engine handles errors of this kind. It is
// informational only.
func (k Kind) Severity() Severity {
	if k >= 0 && int(k) < len(kindInfo) {
		return kindInfo[k].severity
	}
	return CloseUnknown
}

// ErrorHandler receives errors that have no caller to return to. origin is
// the object the error came from: the Conn, the offending frame, a
// listener, or a server.
type ErrorHandler func(err error, origin any, kind Kind)

// LogErrors returns the handler used when none is installed: it logs the
// error and leaves the connection alone.
func LogErrors(logger *slog.Logger) ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, origin any, kind Kind) {
		level := slog.LevelWarn
		if kind.Severity() != CloseNothing {
			level = slog.LevelError
		}
		logger.Log(context.Background(), level, "packet connection error",
			"kind", kind.String(),
			"severity", kind.Severity().String(),
			"origin", fmt.Sprintf("%T", origin),
			"err", err,
		)
	}
}
