// Package packet implements the broker's typed, type-erased packet
// catalog: a PacketType names a wire type-key and carries a Codec for its
// payload; a Mapper resolves an incoming type-key to its PacketType so the
// dispatcher can decode without knowing concrete payload types ahead of
// time.
package packet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/wire"
)

// Codec converts a typed payload to and from wire bytes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Packet pairs a PacketType with its decoded payload.
type Packet[T any] struct {
	Type PacketType[T]
	Data T
}

// PacketType names a wire type-key and knows how to encode/decode its
// payload.
type PacketType[T any] struct {
	id    identifier.Identifier
	codec Codec[T]
}

// NewType constructs a PacketType bound to id and codec.
func NewType[T any](id identifier.Identifier, codec Codec[T]) PacketType[T] {
	return PacketType[T]{id: id, codec: codec}
}

// ID returns the packet type's identifier.
func (t PacketType[T]) ID() identifier.Identifier { return t.id }

// Key returns the wire type-key string.
func (t PacketType[T]) Key() string { return t.id.Key() }

// Encode serializes v into the payload bytes that WriteFrame sends.
func (t PacketType[T]) Encode(v T) ([]byte, error) {
	return t.codec.Encode(v)
}

// Decode deserializes wire bytes into a typed value.
func (t PacketType[T]) Decode(b []byte) (T, error) {
	return t.codec.Decode(b)
}

// anyCodec type-erases a Codec[T] so it can live in a Mapper keyed only by
// identifier, mirroring the teacher's typed-RPC erasure-at-registration
// pattern: the concrete type parameter is known again at the call site
// through a PacketType[T] value the caller already holds.
type anyCodec interface {
	decodeAny(b []byte) (any, error)
	encodeAny(v any) ([]byte, error)
}

type codecAdapter[T any] struct{ codec Codec[T] }

func (c codecAdapter[T]) decodeAny(b []byte) (any, error) { return c.codec.Decode(b) }
func (c codecAdapter[T]) encodeAny(v any) ([]byte, error) {
	tv, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("packet: value %T does not match registered type", v)
	}
	return c.codec.Encode(tv)
}

// Mapper resolves wire type-keys to registered packet types, for the
// dispatcher's "decode before routing" step where the concrete Go type is
// not known statically.
type Mapper struct {
	mu    sync.RWMutex
	types map[string]anyCodec
}

// NewMapper returns an empty Mapper.
func NewMapper() *Mapper {
	return &Mapper{types: make(map[string]anyCodec)}
}

// Register adds t to the mapper, keyed by its wire type-key. Registering
// the same key twice panics, mirroring the teacher's registration-time
// "must not collide" assertion for RPC method names.
func Register[T any](m *Mapper, t PacketType[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.Key()
	if _, exists := m.types[key]; exists {
		panic(fmt.Sprintf("packet: duplicate registration for %q", key))
	}
	m.types[key] = codecAdapter[T]{codec: t.codec}
}

// Decode looks up typeKey and decodes payload into the registered Go type,
// returning it as `any`. Callers that know the concrete type recover it via
// a type assertion; callers that don't (generic forwarding/logging paths)
// can use the decoded value as an opaque blob.
func (m *Mapper) Decode(typeKey string, payload []byte) (any, error) {
	m.mu.RLock()
	c, ok := m.types[typeKey]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("packet: unknown type-key %q", typeKey)
	}
	return c.decodeAny(payload)
}

// Encode looks up typeKey and encodes v, which must match the Go type
// registered for that key.
func (m *Mapper) Encode(typeKey string, v any) ([]byte, error) {
	m.mu.RLock()
	c, ok := m.types[typeKey]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("packet: unknown type-key %q", typeKey)
	}
	return c.encodeAny(v)
}

// Has reports whether typeKey is registered.
func (m *Mapper) Has(typeKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.types[typeKey]
	return ok
}

// JSONCodec implements Codec[T] using encoding/json, the catalog's default
// codec for structured payloads.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// BytesCodec is the identity codec: payload is the raw wire bytes.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return b, nil }

// EmptyCodec is for packets that carry no payload beyond their type-key: it
// encodes to zero bytes and rejects a non-empty payload on decode.
type EmptyCodec struct{}

type Empty struct{}

func (EmptyCodec) Encode(Empty) ([]byte, error) { return nil, nil }
func (EmptyCodec) Decode(b []byte) (Empty, error) {
	if len(b) != 0 {
		return Empty{}, fmt.Errorf("packet: expected empty payload, got %d bytes", len(b))
	}
	return Empty{}, nil
}

// WireCodec wraps a pair of functions operating directly on a
// *wire.Writer/*wire.Reader, for payloads that use the binary ByteBuffer
// layout instead of JSON (table items, proxy batches and cache updates).
type WireCodec[T any] struct {
	EncodeFn func(*wire.Writer, T) error
	DecodeFn func(*wire.Reader) (T, error)
}

func (c WireCodec[T]) Encode(v T) ([]byte, error) {
	w := wire.NewWriter()
	if err := c.EncodeFn(w, v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (c WireCodec[T]) Decode(b []byte) (T, error) {
	r := wire.NewReader(b)
	v, err := c.DecodeFn(r)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := r.AssertConsumed(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
