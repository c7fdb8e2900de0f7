package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"unicode/utf16"
)

// Kind is the tag byte that leads a Primitive payload.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindByte
	KindShort
	KindChar
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindString
)

var kindNames = [...]string{
	"null", "bool", "byte", "short", "char", "int", "long", "float", "double", "string",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

var (
	ErrCorruptPrimitive = errors.New("packet: primitive packet is corrupted")
	ErrUnsupportedValue = errors.New("packet: only null, booleans, fixed-width numbers, chars and strings are supported")
)

// Primitive carries a single scalar or string value. Its wire form is a tag
// byte followed by the big-endian value; strings are an int32 count of
// UTF-16 code units followed by the code units themselves.
//
// A decoded string keeps its code units, so it re-encodes to the same bytes
// even when it holds an unpaired surrogate. Value reports such a surrogate
// as U+FFFD.
type Primitive struct {
	kind  Kind
	value any
	units []uint16
}

func Null() *Primitive { return &Primitive{kind: KindNull} }
func Bool(v bool) *Primitive { return &Primitive{kind: KindBool, value: v} }
func Byte(v int8) *Primitive { return &Primitive{kind: KindByte, value: v} }
func Short(v int16) *Primitive { return &Primitive{kind: KindShort, value: v} }
func Char(v uint16) *Primitive { return &Primitive{kind: KindChar, value: v} }
func Int(v int32) *Primitive { return &Primitive{kind: KindInt, value: v} }
func Long(v int64) *Primitive { return &Primitive{kind: KindLong, value: v} }
func Float(v float32) *Primitive { return &Primitive{kind: KindFloat, value: v} }
func Double(v float64) *Primitive { return &Primitive{kind: KindDouble, value: v} }
func String(v string) *Primitive { return &Primitive{kind: KindString, value: v} }

// StringUnits wraps raw UTF-16 code units, which are written as given.
func StringUnits(units []uint16) *Primitive {
	return stringUnits(slices.Clone(units))
}

func stringUnits(units []uint16) *Primitive {
	return &Primitive{kind: KindString, value: string(utf16.Decode(units)), units: units}
}

// NewPrimitive wraps v. uint16 is treated as a char code unit.
func NewPrimitive(v any) (*Primitive, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int8:
		return Byte(x), nil
	case int16:
		return Short(x), nil
	case uint16:
		return Char(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Long(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Double(x), nil
	case string:
		return String(x), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// Kind returns the value's tag.
func (p *Primitive) Kind() Kind { return p.kind }

// Value returns the held value, nil for a null primitive.
func (p *Primitive) Value() any { return p.value }

// IsNull reports whether the primitive holds null.
func (p *Primitive) IsNull() bool { return p.kind == KindNull }

func (p *Primitive) String() string {
	if p.kind == KindString {
		return fmt.Sprintf("Primitive(%q)", p.value)
	}
	if p.kind == KindNull {
		return "Primitive(null)"
	}
	return fmt.Sprintf("Primitive(%s %v)", p.kind, p.value)
}

// StringValue returns the held string when the primitive is a string.
func (p *Primitive) StringValue() (string, bool) { return As[string](p) }

// UTF16 returns a string primitive's code units as they go on the wire.
func (p *Primitive) UTF16() ([]uint16, bool) {
	if p.kind != KindString {
		return nil, false
	}
	if p.units != nil {
		return slices.Clone(p.units), true
	}
	return utf16.Encode([]rune(p.value.(string))), true
}

// As returns the held value as T when the primitive holds exactly a T.
func As[T any](p *Primitive) (T, bool) {
	v, ok := p.value.(T)
	return v, ok
}

// WritePacket implements Packet.
func (p *Primitive) WritePacket(w io.Writer) error {
	buf, err := p.encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (p *Primitive) encode() ([]byte, error) {
	switch p.kind {
	case KindNull:
		return []byte{byte(KindNull)}, nil
	case KindBool:
		b := byte(0)
		if p.value.(bool) {
			b = 1
		}
		return []byte{byte(KindBool), b}, nil
	case KindByte:
		return []byte{byte(KindByte), byte(p.value.(int8))}, nil
	case KindShort:
		return binary.BigEndian.AppendUint16([]byte{byte(KindShort)}, uint16(p.value.(int16))), nil
	case KindChar:
		return binary.BigEndian.AppendUint16([]byte{byte(KindChar)}, p.value.(uint16)), nil
	case KindInt:
		return binary.BigEndian.AppendUint32([]byte{byte(KindInt)}, uint32(p.value.(int32))), nil
	case KindLong:
		return binary.BigEndian.AppendUint64([]byte{byte(KindLong)}, uint64(p.value.(int64))), nil
	case KindFloat:
		return binary.BigEndian.AppendUint32([]byte{byte(KindFloat)}, math.Float32bits(p.value.(float32))), nil
	case KindDouble:
		return binary.BigEndian.AppendUint64([]byte{byte(KindDouble)}, math.Float64bits(p.value.(float64))), nil
	case KindString:
		units := p.units
		if units == nil {
			units = utf16.Encode([]rune(p.value.(string)))
		}
		buf := make([]byte, 0, 1+4+2*len(units))
		buf = append(buf, byte(KindString))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(units)))
		for _, u := range units {
			buf = binary.BigEndian.AppendUint16(buf, u)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrCorruptPrimitive, byte(p.kind))
	}
}

// DecodePrimitive parses a Primitive payload. Bytes after the value are
// ignored.
func DecodePrimitive(payload []byte) (*Primitive, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCorruptPrimitive)
	}
	kind, body := Kind(payload[0]), payload[1:]

	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrCorruptPrimitive, kind, n, len(body))
		}
		return nil
	}

	switch kind {
	case KindNull:
		return Null(), nil
	case KindBool:
		if err := need(1); err != nil {
			return nil, err
		}
		return Bool(body[0] != 0), nil
	case KindByte:
		if err := need(1); err != nil {
			return nil, err
		}
		return Byte(int8(body[0])), nil
	case KindShort:
		if err := need(2); err != nil {
			return nil, err
		}
		return Short(int16(binary.BigEndian.Uint16(body))), nil
	case KindChar:
		if err := need(2); err != nil {
			return nil, err
		}
		return Char(binary.BigEndian.Uint16(body)), nil
	case KindInt:
		if err := need(4); err != nil {
			return nil, err
		}
		return Int(int32(binary.BigEndian.Uint32(body))), nil
	case KindLong:
		if err := need(8); err != nil {
			return nil, err
		}
		return Long(int64(binary.BigEndian.Uint64(body))), nil
	case KindFloat:
		if err := need(4); err != nil {
			return nil, err
		}
		return Float(math.Float32frombits(binary.BigEndian.Uint32(body))), nil
	case KindDouble:
		if err := need(8); err != nil {
			return nil, err
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(body))), nil
	case KindString:
		if err := need(4); err != nil {
			return nil, err
		}
		count := int32(binary.BigEndian.Uint32(body))
		if count < 0 {
			return nil, fmt.Errorf("%w: negative string length %d", ErrCorruptPrimitive, count)
		}
		body = body[4:]
		if err := need(2 * int(count)); err != nil {
			return nil, err
		}
		units := make([]uint16, count)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(body[2*i:])
		}
		return stringUnits(units), nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrCorruptPrimitive, byte(kind))
	}
}
