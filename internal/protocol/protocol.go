package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed frame header: id, response_to, type_id and
// payload length, each a big-endian 32-bit integer.
const HeaderSize = 16

// NoResponse is the response_to value of a frame that is not a reply.
const NoResponse int32 = -1

// MaxPayload is the default upper bound for a decoded payload.
const MaxPayload uint32 = 16 * 1024 * 1024 // 16 MB

var (
	ErrPayloadTooLarge = errors.New("protocol: frame payload too large")
	ErrShortFrame      = errors.New("protocol: frame shorter than its header")
)

// Frame is one wire message.
// Wire format: [id:u32][response_to:i32][type_id:u32][length:u32][payload]
type Frame struct {
	ID         uint32
	ResponseTo int32
	TypeID     uint32
	Payload    []byte
}

// IsResponse reports whether the frame answers an earlier frame.
func (f *Frame) IsResponse() bool { return f.ResponseTo != NoResponse }

// Limits bounds what a decoder accepts.
type Limits struct {
	MaxPayload uint32
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPayload: MaxPayload}
}

func (l Limits) maxPayload() uint32 {
	if l.MaxPayload == 0 {
		return MaxPayload
	}
	return l.MaxPayload
}

// ReadFrame reads a single frame from r with the default limits.
// Returns io.EOF on clean EOF before the header and io.ErrUnexpectedEOF
// (wrapped) when the stream ends inside a frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	return ReadFrameLimit(r, DefaultLimits())
}

// ReadFrameLimit reads a single frame from r, rejecting payloads above limits.
// Short reads are retried until the full payload has arrived.
func ReadFrameLimit(r io.Reader, limits Limits) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	f, length := parseHeader(header[:])
	if length > limits.maxPayload() {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	f.Payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return f, nil
}

// WriteFrame writes a single frame to w in one Write call, so writers that
// serialize calls never interleave frames.
func WriteFrame(w io.Writer, f *Frame) error {
	if _, err := w.Write(Encode(f)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Encode returns the wire bytes of f.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.ID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.ResponseTo))
	binary.BigEndian.PutUint32(buf[8:12], f.TypeID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a frame held entirely in b, as delivered by message-based
// transports. Trailing bytes beyond the declared payload are ignored.
func Decode(b []byte, limits Limits) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}
	f, length := parseHeader(b[:HeaderSize])
	if length > limits.maxPayload() {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	rest := b[HeaderSize:]
	if uint64(len(rest)) < uint64(length) {
		return nil, fmt.Errorf("%w: want %d payload bytes, have %d", ErrShortFrame, length, len(rest))
	}
	f.Payload = make([]byte, length)
	copy(f.Payload, rest[:length])
	return f, nil
}

func parseHeader(b []byte) (*Frame, uint32) {
	return &Frame{
		ID:         binary.BigEndian.Uint32(b[0:4]),
		ResponseTo: int32(binary.BigEndian.Uint32(b[4:8])),
		TypeID:     binary.BigEndian.Uint32(b[8:12]),
	}, binary.BigEndian.Uint32(b[12:16])
}
