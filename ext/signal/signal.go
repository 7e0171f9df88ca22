// Package signal implements the broker's stateless fan-out extension: a
// named channel with a dynamic listener set and a three-way permission
// split between registering, listening, and notifying.
package signal

import (
	"context"
	"sync"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/session"
)

// perms is one signal's registered {all, listen, notify} permission triple.
type perms struct {
	all    *identifier.Identifier
	listen *identifier.Identifier
	notify *identifier.Identifier
}

type channel struct {
	mu        sync.Mutex
	perms     perms
	listeners map[*session.Session]bool
}

// Extension is the broker-wide signal extension, shared by every session.
type Extension struct {
	permissions *permission.Manager
	observer    observability.SignalObserver

	mu       sync.Mutex
	channels map[string]*channel
}

// New constructs an Extension using permissions for the listen/notify gate.
func New(permissions *permission.Manager, observer observability.SignalObserver) *Extension {
	if observer == nil {
		observer = observability.NoopSignalObserver
	}
	return &Extension{
		permissions: permissions,
		observer:    observer,
		channels:    make(map[string]*channel),
	}
}

func (e *Extension) channelFor(id identifier.Identifier) *channel {
	key := id.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.channels[key]; ok {
		return c
	}
	c := &channel{listeners: make(map[*session.Session]bool)}
	e.channels[key] = c
	return c
}

// Install wires this session's signal packet handlers into d.
func (e *Extension) Install(s *session.Session, d *dispatch.Dispatcher) {
	dispatch.AddHandler(d, packets.SignalRegister, func(ctx context.Context, p packets.SignalRegisterPayload) error {
		if err := e.checkTriple(ctx, s, p.ID, func(pr perms) *identifier.Identifier { return pr.all }); err != nil {
			return e.denyAndDisconnect(ctx, s, err)
		}
		c := e.channelFor(p.ID)
		c.mu.Lock()
		c.perms = perms{all: p.Permissions.All, listen: p.Permissions.Listen, notify: p.Permissions.Notify}
		c.mu.Unlock()
		return nil
	})

	dispatch.AddHandler(d, packets.SignalListen, func(ctx context.Context, p packets.SignalListenPayload) error {
		if err := e.checkListen(ctx, s, p.ID); err != nil {
			return e.denyAndDisconnect(ctx, s, err)
		}
		c := e.channelFor(p.ID)
		c.mu.Lock()
		c.listeners[s] = true
		c.mu.Unlock()
		return nil
	})

	dispatch.AddHandler(d, packets.SignalNotify, func(ctx context.Context, p packets.SignalNotifyPayload) error {
		if err := e.checkNotify(ctx, s, p.ID); err != nil {
			return e.denyAndDisconnect(ctx, s, err)
		}
		e.notify(ctx, p.ID, p.Body)
		return nil
	})

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		e.mu.Lock()
		channels := make([]*channel, 0, len(e.channels))
		for _, c := range e.channels {
			channels = append(channels, c)
		}
		e.mu.Unlock()
		for _, c := range channels {
			c.mu.Lock()
			delete(c.listeners, s)
			c.mu.Unlock()
		}
	})
}

// permDenied marks an error as a permission violation so callers can map it
// to a PERMISSION_DENIED disconnect.
type permDenied struct{ resource identifier.Identifier }

func (e permDenied) Error() string { return "permission denied: " + e.resource.Key() }

// denyAndDisconnect disconnects s with PERMISSION_DENIED, sending a
// DISCONNECT packet naming the offending resource first when possible.
func (e *Extension) denyAndDisconnect(ctx context.Context, s *session.Session, cause error) error {
	s.Disconnect(ctx, observability.DisconnectPermissionDenied, func(ctx context.Context) error {
		return session.SendPacket(ctx, s, packets.Disconnect, packets.DisconnectPayload{
			Reason: "PERMISSION_DENIED", Message: cause.Error(),
		})
	})
	return cause
}

func (e *Extension) checkTriple(ctx context.Context, s *session.Session, id identifier.Identifier, pick func(perms) *identifier.Identifier) error {
	if id.IsSubpathOf(s.App) || s.IsDashboard {
		return nil
	}
	c := e.channelFor(id)
	c.mu.Lock()
	p := c.perms
	c.mu.Unlock()
	perm := pick(p)
	if perm == nil && p.all == nil {
		return permDenied{id}
	}
	for _, check := range []*identifier.Identifier{p.all, perm} {
		if check == nil {
			continue
		}
		ok, err := e.permissions.HasPermission(ctx, s.App, s.Token, s.IsDashboard, *check)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return permDenied{id}
}

func (e *Extension) checkListen(ctx context.Context, s *session.Session, id identifier.Identifier) error {
	return e.checkTriple(ctx, s, id, func(p perms) *identifier.Identifier { return p.listen })
}

func (e *Extension) checkNotify(ctx context.Context, s *session.Session, id identifier.Identifier) error {
	return e.checkTriple(ctx, s, id, func(p perms) *identifier.Identifier { return p.notify })
}

func (e *Extension) notify(ctx context.Context, id identifier.Identifier, body []byte) {
	c := e.channelFor(id)
	c.mu.Lock()
	listeners := make([]*session.Session, 0, len(c.listeners))
	for l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	e.observer.Notified(id.Key())
	for _, l := range listeners {
		_ = session.SendPacket(ctx, l, packets.SignalNotify, packets.SignalNotifyPayload{ID: id, Body: body})
	}
}
