// Package dispatch implements the broker's per-session packet dispatcher:
// incoming frames are decoded by type-key and fanned out to independently
// running listener handlers.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/omuhub/broker/packet"
)

// Listener handles one decoded packet. data's concrete type matches the
// PacketType it was registered under.
type Listener func(ctx context.Context, data any) error

// Dispatcher fans out decoded packets to registered listeners by type-key.
// Unknown incoming type-keys are reported via OnError and dropped rather
// than treated as fatal, matching the broker's tolerant handling of
// unrecognized extension packets from newer clients.
type Dispatcher struct {
	mapper *packet.Mapper

	mu        sync.RWMutex
	listeners map[string][]Listener

	// OnError receives non-fatal dispatch errors: unknown type-keys, decode
	// failures, and listener errors. It must not block or panic.
	OnError func(err error)
}

// New constructs a Dispatcher backed by mapper for type-key resolution.
func New(mapper *packet.Mapper) *Dispatcher {
	return &Dispatcher{
		mapper:    mapper,
		listeners: make(map[string][]Listener),
	}
}

// AddHandler registers l to run whenever a packet of t's type arrives.
// Multiple handlers may be registered for the same type; they run as
// independent goroutines so a slow or failing handler cannot block others.
func AddHandler[T any](d *Dispatcher, t packet.PacketType[T], l func(ctx context.Context, data T) error) {
	key := t.Key()
	wrapped := func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("dispatch: handler for %q received %T", key, data)
		}
		return l(ctx, typed)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[key] = append(d.listeners[key], wrapped)
}

// Dispatch decodes one wire frame and runs every listener registered for
// its type-key, each in its own goroutine. It returns immediately after
// launching the handlers; reportError funnels listener failures back
// through OnError.
func (d *Dispatcher) Dispatch(ctx context.Context, typeKey string, payload []byte) {
	data, err := d.mapper.Decode(typeKey, payload)
	if err != nil {
		d.reportError(fmt.Errorf("dispatch: decode %q: %w", typeKey, err))
		return
	}

	d.mu.RLock()
	handlers := d.listeners[typeKey]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	for _, h := range handlers {
		h := h
		go func() {
			defer d.recoverPanic(typeKey)
			if err := h(ctx, data); err != nil {
				d.reportError(fmt.Errorf("dispatch: handler for %q: %w", typeKey, err))
			}
		}()
	}
}

// DispatchSync is like Dispatch but runs handlers sequentially on the
// caller's goroutine and returns the first error, for call sites that need
// to know a handler ran before proceeding.
func (d *Dispatcher) DispatchSync(ctx context.Context, typeKey string, payload []byte) error {
	data, err := d.mapper.Decode(typeKey, payload)
	if err != nil {
		return fmt.Errorf("dispatch: decode %q: %w", typeKey, err)
	}
	d.mu.RLock()
	handlers := d.listeners[typeKey]
	d.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			return fmt.Errorf("dispatch: handler for %q: %w", typeKey, err)
		}
	}
	return nil
}

func (d *Dispatcher) recoverPanic(typeKey string) {
	if r := recover(); r != nil {
		d.reportError(fmt.Errorf("dispatch: handler for %q panicked: %v", typeKey, r))
	}
}

func (d *Dispatcher) reportError(err error) {
	if d.OnError != nil {
		d.OnError(err)
	}
}
