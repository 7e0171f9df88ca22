// Package registry implements the broker's single-value observable
// extension: one optional byte blob per identifier, persisted to a file
// per identifier and broadcast to listeners on every update.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/internal/securefile"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/session"
)

// entry is one registry's live state.
type entry struct {
	mu        sync.Mutex
	value     []byte
	hasValue  bool
	listeners map[*session.Session]bool
}

// Extension is the broker-wide registry extension, shared by every session.
type Extension struct {
	dir      string
	observer observability.RegistryObserver

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an Extension that persists registry blobs under dir.
func New(dir string, observer observability.RegistryObserver) *Extension {
	if observer == nil {
		observer = observability.NoopRegistryObserver
	}
	return &Extension{
		dir:      dir,
		observer: observer,
		entries:  make(map[string]*entry),
	}
}

func (e *Extension) entryFor(id identifier.Identifier) *entry {
	key := id.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.entries[key]; ok {
		return en
	}
	en := &entry{listeners: make(map[*session.Session]bool)}
	en.value, en.hasValue = e.load(id)
	e.entries[key] = en
	return en
}

func (e *Extension) path(id identifier.Identifier) string {
	return filepath.Join(e.dir, id.SanitizedPath()+".bin")
}

func (e *Extension) load(id identifier.Identifier) ([]byte, bool) {
	b, err := os.ReadFile(e.path(id))
	if err != nil {
		return nil, false
	}
	return b, true
}

func (e *Extension) persist(id identifier.Identifier, value []byte) error {
	path := e.path(id)
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(path)); err != nil {
		return err
	}
	return securefile.WriteFileAtomic(path, value, 0o600)
}

// Install wires this session's registry packet handlers into d.
func (e *Extension) Install(s *session.Session, d *dispatch.Dispatcher) {
	dispatch.AddHandler(d, packets.RegistryListen, func(ctx context.Context, p packets.RegistryListenPayload) error {
		en := e.entryFor(p.ID)
		en.mu.Lock()
		en.listeners[s] = true
		value := en.value
		en.mu.Unlock()

		return session.SendPacket(ctx, s, packets.RegistryUpdate, packets.RegistryUpdatePayload{ID: p.ID, Value: value})
	})

	dispatch.AddHandler(d, packets.RegistryUpdate, func(ctx context.Context, p packets.RegistryUpdatePayload) error {
		return e.update(ctx, p.ID, p.Value)
	})

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		e.mu.Lock()
		entries := make([]*entry, 0, len(e.entries))
		for _, en := range e.entries {
			entries = append(entries, en)
		}
		e.mu.Unlock()
		for _, en := range entries {
			en.mu.Lock()
			delete(en.listeners, s)
			en.mu.Unlock()
		}
	})
}

// update sets id's value (nil clears it), persists it, and notifies every
// listener including the writer.
func (e *Extension) update(ctx context.Context, id identifier.Identifier, value []byte) error {
	en := e.entryFor(id)
	if err := e.persist(id, value); err != nil {
		return err
	}

	en.mu.Lock()
	en.value = value
	en.hasValue = true
	listeners := make([]*session.Session, 0, len(en.listeners))
	for l := range en.listeners {
		listeners = append(listeners, l)
	}
	en.mu.Unlock()

	e.observer.Updated(id.Key())
	for _, l := range listeners {
		_ = session.SendPacket(ctx, l, packets.RegistryUpdate, packets.RegistryUpdatePayload{ID: id, Value: value})
	}
	return nil
}

// Get returns id's current value, loading it from disk on first access.
// Backs both GetHandler and direct server-local reads.
func (e *Extension) Get(id identifier.Identifier) ([]byte, bool) {
	en := e.entryFor(id)
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.value, en.hasValue
}

// SetLocal writes a registry value directly, bypassing the wire handlers.
// Used by the composition root for server-maintained registries, like
// ServerExtension's version registry, that no session owns.
func (e *Extension) SetLocal(ctx context.Context, id identifier.Identifier, value []byte) error {
	return e.update(ctx, id, value)
}

// GetHandler implements the GET endpoint: decodes a RegistryGetPayload
// request (only ID is read), and returns the registry's current value.
// Bound via ext/endpoint.Extension.BindLocal in the composition root.
func (e *Extension) GetHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.RegistryGetPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	value, _ := e.Get(req.ID)
	return json.Marshal(packets.RegistryGetPayload{ID: req.ID, Value: value})
}
