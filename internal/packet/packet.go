// Package packet defines the Packet contract, the ordered type registry that
// maps packet types to wire type-ids, and the built-in Primitive packet.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Packet is a message value that can serialize itself. Decoding is supplied
// separately, per registered type, as a Decoder.
type Packet interface {
	WritePacket(w io.Writer) error
}

// Decoder reconstructs a packet from a frame payload.
type Decoder func(payload []byte) (Packet, error)

var (
	ErrInvalidArgument  = errors.New("packet: invalid argument")
	ErrUnregisteredType = errors.New("packet: type is not registered")
)

// UnregisteredTypeError is returned by ResolveID when no registered type
// matches the packet.
type UnregisteredTypeError struct {
	TypeName string
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("packet: the packet type %s is not registered", e.TypeName)
}

// Is lets errors.Is match ErrUnregisteredType.
func (e *UnregisteredTypeError) Is(target error) bool {
	return target == ErrUnregisteredType
}

// Marshal serializes p into a fresh byte slice.
func Marshal(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrInvalidArgument)
	}
	var buf bytes.Buffer
	if err := p.WritePacket(&buf); err != nil {
		return nil, fmt.Errorf("writing packet: %w", err)
	}
	return buf.Bytes(), nil
}
