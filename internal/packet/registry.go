package packet

import (
	"fmt"
	"reflect"
	"sync"
)

var (
	packetInterface = reflect.TypeFor[Packet]()
	bytesType       = reflect.TypeFor[[]byte]()
	errorInterface  = reflect.TypeFor[error]()
)

type registeredType struct {
	typ     reflect.Type
	decoder Decoder
}

// Registry is an ordered, append-only catalog of packet types. A type's
// position in the catalog is its wire type-id, so both ends of a connection
// must register the same types in the same order. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types []registeredType
}

// NewRegistry returns a registry holding only the built-in Primitive type,
// which therefore always has type-id 0.
func NewRegistry() *Registry {
	r := &Registry{}
	if err := RegisterType(r, DecodePrimitive); err != nil {
		panic(err)
	}
	return r
}

// Register appends typ unless a type with the same identity is already
// present. typ may be a concrete type or an interface type; in both cases
// it must satisfy Packet.
func (r *Registry) Register(typ reflect.Type, dec Decoder) error {
	if typ == nil {
		return fmt.Errorf("%w: nil packet type", ErrInvalidArgument)
	}
	if dec == nil {
		return fmt.Errorf("%w: nil decoder for %s", ErrInvalidArgument, typ)
	}
	if !typ.Implements(packetInterface) {
		return fmt.Errorf("%w: %s does not implement packet.Packet", ErrInvalidArgument, typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(registeredType{typ: typ, decoder: dec})
	return nil
}

func (r *Registry) appendLocked(rt registeredType) {
	for _, existing := range r.types {
		if existing.typ == rt.typ {
			return
		}
	}
	r.types = append(r.types, rt)
}

// RegisterType registers T with a typed decoder.
func RegisterType[T Packet](r *Registry, decode func(payload []byte) (T, error)) error {
	if decode == nil {
		return fmt.Errorf("%w: nil decoder", ErrInvalidArgument)
	}
	return r.Register(reflect.TypeFor[T](), func(payload []byte) (Packet, error) {
		p, err := decode(payload)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// RegisterConstructor registers a decoder discovered by reflection. ctor
// must be a function of shape func([]byte) (T, error) where T implements
// Packet; the registered type is T.
func (r *Registry) RegisterConstructor(ctor any) error {
	v := reflect.ValueOf(ctor)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Errorf("%w: constructor must be a non-nil function, got %T", ErrInvalidArgument, ctor)
	}
	ft := v.Type()
	if ft.IsVariadic() || ft.NumIn() != 1 || ft.In(0) != bytesType ||
		ft.NumOut() != 2 || ft.Out(1) != errorInterface {
		return fmt.Errorf("%w: constructor %s must have signature func([]byte) (T, error)", ErrInvalidArgument, ft)
	}
	typ := ft.Out(0)
	if !typ.Implements(packetInterface) {
		return fmt.Errorf("%w: constructor result %s does not implement packet.Packet", ErrInvalidArgument, typ)
	}

	return r.Register(typ, func(payload []byte) (Packet, error) {
		out := v.Call([]reflect.Value{reflect.ValueOf(payload)})
		if errV := out[1]; !errV.IsNil() {
			return nil, errV.Interface().(error)
		}
		if isNilValue(out[0]) {
			return nil, fmt.Errorf("constructor for %s returned no packet", typ)
		}
		p, ok := out[0].Interface().(Packet)
		if !ok {
			return nil, fmt.Errorf("constructor for %s returned no packet", typ)
		}
		return p, nil
	})
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// RegisterAll merges other into r, preserving other's relative order and
// skipping types r already has.
func (r *Registry) RegisterAll(other *Registry) {
	if other == nil || other == r {
		return
	}
	other.mu.RLock()
	snapshot := make([]registeredType, len(other.types))
	copy(snapshot, other.types)
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range snapshot {
		r.appendLocked(rt)
	}
}

// ResolveID returns the type-id of the most specific registered type that p
// is an instance of. A candidate is dominated when another eligible
// candidate is strictly more specific (assignable to it, but not the other
// way round); among undominated candidates the latest registration wins.
func (r *Registry) ResolveID(p Packet) (uint32, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil packet", ErrInvalidArgument)
	}
	rt := reflect.TypeOf(p)

	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := make([]int, 0, 2)
	for i, candidate := range r.types {
		if rt.AssignableTo(candidate.typ) {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return 0, &UnregisteredTypeError{TypeName: rt.String()}
	}

	best := -1
	for _, i := range eligible {
		dominated := false
		for _, j := range eligible {
			if j != i && moreSpecific(r.types[j].typ, r.types[i].typ) {
				dominated = true
				break
			}
		}
		if !dominated && i > best {
			best = i
		}
	}
	return uint32(best), nil
}

// moreSpecific reports whether a is a strict subtype of b.
func moreSpecific(a, b reflect.Type) bool {
	return a.AssignableTo(b) && !b.AssignableTo(a)
}

// Decoder returns the decoder registered under id. ok is false for an id
// outside the catalog.
func (r *Registry) Decoder(id uint32) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if uint64(id) >= uint64(len(r.types)) {
		return nil, false
	}
	return r.types[id].decoder, true
}

// TypeOf returns the type registered under id.
func (r *Registry) TypeOf(id uint32) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if uint64(id) >= uint64(len(r.types)) {
		return nil, false
	}
	return r.types[id].typ, true
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Types returns the registered types in type-id order.
func (r *Registry) Types() []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reflect.Type, len(r.types))
	for i, rt := range r.types {
		out[i] = rt.typ
	}
	return out
}
