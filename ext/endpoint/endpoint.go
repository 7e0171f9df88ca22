// Package endpoint implements the broker's request/response extension:
// typed RPC between apps, correlated by (endpoint id, caller-local key),
// plus server-local handlers bound in-process.
package endpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/session"
)

// LocalHandler is a server-hosted endpoint implementation, bound in-process
// rather than owned by a remote session.
type LocalHandler func(ctx context.Context, caller *session.Session, data []byte) ([]byte, error)

type binding struct {
	owner      *session.Session // nil for a server-local endpoint
	local      LocalHandler
	permission *identifier.Identifier
}

type pendingCall struct {
	caller *session.Session
	owner  *session.Session
}

// Extension is the broker-wide endpoint registry, shared by every session.
type Extension struct {
	permissions *permission.Manager
	observer    observability.EndpointObserver

	mu       sync.RWMutex
	bindings map[string]*binding // endpoint id key -> binding

	pendingMu sync.Mutex
	pending   map[string]*pendingCall // callKey(id, key), "<id key>\x00<call key>" -> pendingCall
}

// New constructs an Extension backed by permissions for permission gating.
func New(permissions *permission.Manager, observer observability.EndpointObserver) *Extension {
	if observer == nil {
		observer = observability.NoopEndpointObserver
	}
	return &Extension{
		permissions: permissions,
		observer:    observer,
		bindings:    make(map[string]*binding),
		pending:     make(map[string]*pendingCall),
	}
}

// BindLocal registers a server-hosted endpoint implementation, callable by
// any session without an owning remote session.
func (e *Extension) BindLocal(id identifier.Identifier, perm *identifier.Identifier, h LocalHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings[id.Key()] = &binding{local: h, permission: perm}
}

// callKey is the correlation key for one in-flight call.
func callKey(id identifier.Identifier, key uint32) string {
	return fmt.Sprintf("%s\x00%d", id.Key(), key)
}

// splitCallKey reverses callKey.
func splitCallKey(k string) (identifier.Identifier, uint32) {
	idKey, keyPart, _ := strings.Cut(k, "\x00")
	id, _ := identifier.Parse(idKey)
	var key uint64
	fmt.Sscanf(keyPart, "%d", &key)
	return id, uint32(key)
}

// Install wires this session's endpoint packet handlers into d, the
// session's private dispatcher.
func (e *Extension) Install(s *session.Session, d *dispatch.Dispatcher) {
	dispatch.AddHandler(d, packets.EndpointRegister, func(ctx context.Context, p packets.EndpointRegisterPayload) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for name, perm := range p.Endpoints {
			id, err := s.App.Join(name)
			if err != nil {
				return err
			}
			e.bindings[id.Key()] = &binding{owner: s, permission: perm}
		}
		return nil
	})

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		e.removeOwner(s)
		e.failPendingForOwner(s)
	})

	dispatch.AddHandler(d, packets.EndpointCall, func(ctx context.Context, p packets.EndpointCallPayload) error {
		return e.handleCall(ctx, s, p)
	})
	dispatch.AddHandler(d, packets.EndpointReceive, func(ctx context.Context, p packets.EndpointReceivePayload) error {
		return e.handleReceive(ctx, p)
	})
	dispatch.AddHandler(d, packets.EndpointError, func(ctx context.Context, p packets.EndpointErrorPayload) error {
		return e.handleError(ctx, p)
	})
}

func (e *Extension) removeOwner(s *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, b := range e.bindings {
		if b.owner == s {
			delete(e.bindings, k)
		}
	}
}

// failPendingForOwner replies ENDPOINT_ERROR to every caller with a call
// still in flight against s, for calls s can no longer answer because it
// just disconnected.
func (e *Extension) failPendingForOwner(s *session.Session) {
	e.pendingMu.Lock()
	var stranded []struct {
		key string
		pc  *pendingCall
	}
	for k, pc := range e.pending {
		if pc.owner == s {
			stranded = append(stranded, struct {
				key string
				pc  *pendingCall
			}{k, pc})
		}
	}
	for _, st := range stranded {
		delete(e.pending, st.key)
	}
	e.pendingMu.Unlock()

	for _, st := range stranded {
		id, key := splitCallKey(st.key)
		_ = session.SendPacket(context.Background(), st.pc.caller, packets.EndpointError, packets.EndpointErrorPayload{
			ID: id, Key: key, Error: "Endpoint not found",
		})
	}
}

func (e *Extension) lookupBinding(id identifier.Identifier) (*binding, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bindings[id.Key()]
	return b, ok
}

func (e *Extension) handleCall(ctx context.Context, caller *session.Session, p packets.EndpointCallPayload) error {
	started := time.Now()
	b, ok := e.lookupBinding(p.ID)
	if !ok {
		e.observer.Call(observability.CallResultNotFound, time.Since(started))
		return session.SendPacket(ctx, caller, packets.EndpointError, packets.EndpointErrorPayload{
			ID: p.ID, Key: p.Key, Error: "Endpoint not found",
		})
	}

	if b.permission != nil && !caller.App.IsSubpathOf(p.ID) {
		ok, err := e.permissions.HasPermission(ctx, caller.App, caller.Token, caller.IsDashboard, *b.permission)
		if err != nil {
			return err
		}
		if !ok {
			e.observer.Call(observability.CallResultPermissionDenied, time.Since(started))
			return session.SendPacket(ctx, caller, packets.EndpointError, packets.EndpointErrorPayload{
				ID: p.ID, Key: p.Key, Error: "Permission denied",
			})
		}
	}

	if b.local != nil {
		resp, err := b.local(ctx, caller, p.Data)
		if err != nil {
			e.observer.Call(observability.CallResultError, time.Since(started))
			return session.SendPacket(ctx, caller, packets.EndpointError, packets.EndpointErrorPayload{
				ID: p.ID, Key: p.Key, Error: err.Error(),
			})
		}
		e.observer.Call(observability.CallResultOK, time.Since(started))
		return session.SendPacket(ctx, caller, packets.EndpointReceive, packets.EndpointReceivePayload{
			ID: p.ID, Key: p.Key, Data: resp,
		})
	}

	key := callKey(p.ID, p.Key)
	e.pendingMu.Lock()
	if _, exists := e.pending[key]; exists {
		e.pendingMu.Unlock()
		return session.SendPacket(ctx, caller, packets.EndpointError, packets.EndpointErrorPayload{
			ID: p.ID, Key: p.Key, Error: "Call key already in flight",
		})
	}
	e.pending[key] = &pendingCall{caller: caller, owner: b.owner}
	e.pendingMu.Unlock()

	if err := session.SendPacket(ctx, b.owner, packets.EndpointCall, p); err != nil {
		e.pendingMu.Lock()
		delete(e.pending, key)
		e.pendingMu.Unlock()
		e.observer.Call(observability.CallResultError, time.Since(started))
		return session.SendPacket(ctx, caller, packets.EndpointError, packets.EndpointErrorPayload{
			ID: p.ID, Key: p.Key, Error: "Endpoint not found",
		})
	}
	return nil
}

func (e *Extension) takePending(id identifier.Identifier, key uint32) (*pendingCall, bool) {
	k := callKey(id, key)
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	pc, ok := e.pending[k]
	if ok {
		delete(e.pending, k)
	}
	return pc, ok
}

func (e *Extension) handleReceive(ctx context.Context, p packets.EndpointReceivePayload) error {
	pc, ok := e.takePending(p.ID, p.Key)
	if !ok {
		return nil
	}
	e.observer.Call(observability.CallResultOK, 0)
	return session.SendPacket(ctx, pc.caller, packets.EndpointReceive, p)
}

func (e *Extension) handleError(ctx context.Context, p packets.EndpointErrorPayload) error {
	pc, ok := e.takePending(p.ID, p.Key)
	if !ok {
		return nil
	}
	e.observer.Call(observability.CallResultError, 0)
	return session.SendPacket(ctx, pc.caller, packets.EndpointError, p)
}
