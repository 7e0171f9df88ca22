// Package serverext implements the broker's own housekeeping extension:
// the apps table, the version registry, the REQUIRE_APPS ready-gate, and
// the SHUTDOWN endpoint.
package serverext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/ext/endpoint"
	"github.com/omuhub/broker/ext/registry"
	"github.com/omuhub/broker/ext/table"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/session"
)

// ShutdownFunc begins the server's teardown. restart tells the caller
// (the process entry point, outside this package's scope) whether to
// re-exec its launch command after tearing down or exit for good.
type ShutdownFunc func(ctx context.Context, restart bool) error

// Extension is the broker-wide server extension.
type Extension struct {
	apps      *table.Extension
	registry  *registry.Extension
	endpoints *endpoint.Extension
	shutdown  ShutdownFunc

	mu        sync.Mutex
	readyApps map[string]bool
	waitCh    chan struct{}
}

// New constructs an Extension. apps and reg are the broker-wide table and
// registry extensions already installed per-session; this package writes
// to them directly (via table.Extension.SetLocal/RemoveLocal and
// registry.Extension.SetLocal) rather than owning separate storage.
// endpoints is used to bind the SHUTDOWN endpoint, gated by permissions
// (self-registered here, since "core.server:shutdown" is not a subpath of
// any connecting app). version is the broker's version string, published
// immediately to the version registry.
func New(ctx context.Context, apps *table.Extension, reg *registry.Extension, endpoints *endpoint.Extension, permissions *permission.Manager, version string, shutdown ShutdownFunc) (*Extension, error) {
	e := &Extension{
		apps:      apps,
		registry:  reg,
		endpoints: endpoints,
		shutdown:  shutdown,
		readyApps: make(map[string]bool),
		waitCh:    make(chan struct{}),
	}
	if err := e.apps.ClearLocal(ctx, packets.AppsTable); err != nil {
		return nil, fmt.Errorf("serverext: clear apps table: %w", err)
	}
	if err := e.registry.SetLocal(ctx, packets.VersionRegistry, []byte(version)); err != nil {
		return nil, fmt.Errorf("serverext: set version: %w", err)
	}
	if err := permissions.Register(packets.Shutdown, true, permission.Type{
		ID: packets.Shutdown, Name: "shutdown", Level: permission.LevelHigh,
		Note: "restart or stop the broker process",
	}); err != nil {
		return nil, fmt.Errorf("serverext: register shutdown permission: %w", err)
	}
	endpoints.BindLocal(packets.Shutdown, &packets.Shutdown, e.shutdownHandler)
	return e, nil
}

// Install wires this session's REQUIRE_APPS handler, and maintains the
// apps table and ready-app set for every connected session.
func (e *Extension) Install(s *session.Session, d *dispatch.Dispatcher) {
	dispatch.AddHandler(d, packets.RequireApps, func(ctx context.Context, p packets.RequireAppsPayload) error {
		ids := p.Identifiers
		s.AddTask("require-apps", func(ctx context.Context) error {
			return e.awaitApps(ctx, ids)
		})
		return nil
	})

	row, err := json.Marshal(packets.App{Identifier: s.App})
	if err == nil {
		_ = e.apps.SetLocal(context.Background(), packets.AppsTable, []packets.TableItem{{Key: s.App.Key(), Value: row}})
	}

	s.OnReady(func(s *session.Session) {
		e.mu.Lock()
		e.readyApps[s.App.Key()] = true
		e.broadcastLocked()
		e.mu.Unlock()
	})

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		e.mu.Lock()
		delete(e.readyApps, s.App.Key())
		e.broadcastLocked()
		e.mu.Unlock()
		_ = e.apps.RemoveLocal(context.Background(), packets.AppsTable, []string{s.App.Key()})
	})
}

// broadcastLocked wakes every awaitApps call blocked on e.waitCh. Callers
// must hold e.mu.
func (e *Extension) broadcastLocked() {
	close(e.waitCh)
	e.waitCh = make(chan struct{})
}

// awaitApps blocks until every named app is both connected and ready, or
// ctx ends.
func (e *Extension) awaitApps(ctx context.Context, ids []identifier.Identifier) error {
	for {
		e.mu.Lock()
		ready := true
		for _, id := range ids {
			if !e.readyApps[id.Key()] {
				ready = false
				break
			}
		}
		ch := e.waitCh
		e.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Extension) shutdownHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.ShutdownRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	resp, err := json.Marshal(packets.ShutdownResponse{OK: true})
	if err != nil {
		return nil, err
	}
	go func() {
		_ = e.shutdown(context.Background(), req.Restart)
	}()
	return resp, nil
}
