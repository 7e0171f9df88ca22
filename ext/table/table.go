package table

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packet"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/session"
)

// table is one identifier's live state: its persistence adapter, capped
// cache, listener/proxy sets, and the per-table write serialization lock.
type table struct {
	id  identifier.Identifier
	adp *adapter

	writeMu sync.Mutex // serializes ADD/UPDATE/REMOVE/CLEAR, including proxy rounds

	mu         sync.Mutex
	cache      *cache
	permission *identifier.Identifier
	listeners  map[*session.Session]bool
	proxies    []*session.Session
	proxySeq   uint32

	pendingProxyMu sync.Mutex
	pendingProxy   map[string]chan []packets.TableItem
}

// Extension is the broker-wide table extension, shared by every session.
type Extension struct {
	dir         string
	permissions *permission.Manager
	observer    observability.TableObserver

	mu     sync.Mutex
	tables map[string]*table
}

// New constructs an Extension persisting per-table sqlite databases under
// dir (one file per identifier's sanitized path).
func New(dir string, permissions *permission.Manager, observer observability.TableObserver) *Extension {
	if observer == nil {
		observer = observability.NoopTableObserver
	}
	return &Extension{
		dir:         dir,
		permissions: permissions,
		observer:    observer,
		tables:      make(map[string]*table),
	}
}

func (e *Extension) tableFor(ctx context.Context, id identifier.Identifier) (*table, error) {
	key := id.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[key]; ok {
		return t, nil
	}
	path := filepath.Join(e.dir, id.SanitizedPath()+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("table: create data dir: %w", err)
	}
	adp, err := openAdapter(ctx, path)
	if err != nil {
		return nil, err
	}
	t := &table{
		id:           id,
		adp:          adp,
		cache:        newCache(0),
		listeners:    make(map[*session.Session]bool),
		pendingProxy: make(map[string]chan []packets.TableItem),
	}
	e.tables[key] = t
	return t, nil
}

// checkPermission implements the spec's table gate: bound permission plus
// non-subpath caller (and not the dashboard) requires an explicit grant.
func (e *Extension) checkPermission(ctx context.Context, s *session.Session, t *table) (bool, error) {
	t.mu.Lock()
	perm := t.permission
	t.mu.Unlock()
	if perm == nil || t.id.IsSubpathOf(s.App) || s.IsDashboard {
		return true, nil
	}
	return e.permissions.HasPermission(ctx, s.App, s.Token, s.IsDashboard, *perm)
}

func (e *Extension) denyAndDisconnect(ctx context.Context, s *session.Session, message string) error {
	s.Disconnect(ctx, observability.DisconnectPermissionDenied, func(ctx context.Context) error {
		return session.SendPacket(ctx, s, packets.Disconnect, packets.DisconnectPayload{
			Reason: "PERMISSION_DENIED", Message: message,
		})
	})
	return fmt.Errorf("table: permission denied: %s", message)
}

// gate resolves t for id, enforces the permission check, and disconnects s
// on denial. The returned table is nil (with err set) when the check
// failed and the caller should stop processing.
func (e *Extension) gate(ctx context.Context, s *session.Session, id identifier.Identifier) (*table, error) {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := e.checkPermission(ctx, s, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.denyAndDisconnect(ctx, s, "table: "+id.Key())
	}
	return t, nil
}

// authorize is gate's endpoint-call counterpart: it resolves and permission
// checks a table, but reports denial as a plain error instead of
// disconnecting, since an ENDPOINT_CALL failure already has a response
// channel (ENDPOINT_ERROR) back to the caller.
func (e *Extension) authorize(ctx context.Context, s *session.Session, id identifier.Identifier) (*table, error) {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := e.checkPermission(ctx, s, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("table: permission denied: %s", id.Key())
	}
	return t, nil
}

// Install wires this session's table packet handlers into d.
func (e *Extension) Install(s *session.Session, d *dispatch.Dispatcher) {
	dispatch.AddHandler(d, packets.TableListen, func(ctx context.Context, p packets.TableIDPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		t.mu.Lock()
		t.listeners[s] = true
		cache := t.cache.snapshot()
		t.mu.Unlock()
		return session.SendPacket(ctx, s, packets.TableCacheUpdate, packets.TableCacheUpdatePayload{ID: p.ID, Cache: cache})
	})

	dispatch.AddHandler(d, packets.TableProxyListen, func(ctx context.Context, p packets.TableIDPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		t.mu.Lock()
		t.proxies = append(t.proxies, s)
		t.mu.Unlock()
		return nil
	})

	dispatch.AddHandler(d, packets.TableConfigSet, func(ctx context.Context, p packets.TableConfigPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		t.mu.Lock()
		t.cache.setCap(p.Config.CacheSize)
		t.mu.Unlock()
		return nil
	})

	dispatch.AddHandler(d, packets.TableBindPermission, func(ctx context.Context, p packets.TableBindPermissionPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		perm := p.Permission
		t.mu.Lock()
		t.permission = &perm
		t.mu.Unlock()
		return nil
	})

	dispatch.AddHandler(d, packets.TableItemAdd, func(ctx context.Context, p packets.TableItemsPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		return e.write(ctx, t, p.Items, packets.TableItemAdd)
	})

	dispatch.AddHandler(d, packets.TableItemUpdate, func(ctx context.Context, p packets.TableItemsPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		return e.write(ctx, t, p.Items, packets.TableItemUpdate)
	})

	dispatch.AddHandler(d, packets.TableItemRemove, func(ctx context.Context, p packets.TableItemKeysPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		return e.remove(ctx, t, p.Keys)
	})

	dispatch.AddHandler(d, packets.TableItemClear, func(ctx context.Context, p packets.TableIDPayload) error {
		t, err := e.gate(ctx, s, p.ID)
		if err != nil || t == nil {
			return err
		}
		return e.clear(ctx, t)
	})

	dispatch.AddHandler(d, packets.TableProxy, func(ctx context.Context, p packets.TableProxyPayload) error {
		e.deliverProxyReply(p.ID, p.Key, p.Items)
		return nil
	})

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		e.mu.Lock()
		tables := make([]*table, 0, len(e.tables))
		for _, t := range e.tables {
			tables = append(tables, t)
		}
		e.mu.Unlock()
		for _, t := range tables {
			t.mu.Lock()
			delete(t.listeners, s)
			for i, p := range t.proxies {
				if p == s {
					t.proxies = append(t.proxies[:i], t.proxies[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
		}
	})
}

func proxyKey(id identifier.Identifier, seq uint32) string {
	return fmt.Sprintf("%s\x00%d", id.Key(), seq)
}

func (e *Extension) deliverProxyReply(id identifier.Identifier, seq uint32, items []packets.TableItem) {
	key := proxyKey(id, seq)
	e.mu.Lock()
	t, ok := e.tables[id.Key()]
	e.mu.Unlock()
	if !ok {
		return
	}
	t.pendingProxyMu.Lock()
	ch, ok := t.pendingProxy[key]
	if ok {
		delete(t.pendingProxy, key)
	}
	t.pendingProxyMu.Unlock()
	if ok {
		ch <- items
	}
}

// runProxyRound offers items to every live proxy in registration order,
// each one transforming (or dropping keys from) the batch before the next
// proxy sees it. A disconnected proxy is skipped.
func (e *Extension) runProxyRound(ctx context.Context, t *table, items []packets.TableItem) []packets.TableItem {
	t.mu.Lock()
	proxies := append([]*session.Session{}, t.proxies...)
	t.mu.Unlock()

	current := items
	for _, proxy := range proxies {
		if proxy.Closed() {
			continue
		}
		t.mu.Lock()
		t.proxySeq++
		seq := t.proxySeq
		t.mu.Unlock()

		key := proxyKey(t.id, seq)
		ch := make(chan []packets.TableItem, 1)
		t.pendingProxyMu.Lock()
		t.pendingProxy[key] = ch
		t.pendingProxyMu.Unlock()

		if err := session.SendPacket(ctx, proxy, packets.TableProxy, packets.TableProxyPayload{ID: t.id, Key: seq, Items: current}); err != nil {
			t.pendingProxyMu.Lock()
			delete(t.pendingProxy, key)
			t.pendingProxyMu.Unlock()
			continue
		}

		select {
		case transformed := <-ch:
			current = transformed
		case <-ctx.Done():
			t.pendingProxyMu.Lock()
			delete(t.pendingProxy, key)
			t.pendingProxyMu.Unlock()
			return current
		case <-time.After(10 * time.Second):
			t.pendingProxyMu.Lock()
			delete(t.pendingProxy, key)
			t.pendingProxyMu.Unlock()
		}
	}
	return current
}

// write runs items through the proxy pipeline, persists the transformed
// batch, updates the cache, and fans out resultType (ADD or UPDATE) to
// every listener.
func (e *Extension) write(ctx context.Context, t *table, items []packets.TableItem, resultType packet.PacketType[packets.TableItemsPayload]) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	final := e.runProxyRound(ctx, t, items)
	if len(final) == 0 {
		return nil
	}
	if err := t.adp.SetAll(ctx, final); err != nil {
		return err
	}

	t.mu.Lock()
	for _, it := range final {
		t.cache.set(it.Key, it.Value)
	}
	cacheSnapshot := t.cache.snapshot()
	listeners := make([]*session.Session, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	e.observer.ItemsWritten(t.id.Key(), len(final))
	for _, l := range listeners {
		_ = session.SendPacket(ctx, l, resultType, packets.TableItemsPayload{ID: t.id, Items: final})
		_ = session.SendPacket(ctx, l, packets.TableCacheUpdate, packets.TableCacheUpdatePayload{ID: t.id, Cache: cacheSnapshot})
	}
	return nil
}

func (e *Extension) remove(ctx context.Context, t *table, keys []string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.adp.RemoveAll(ctx, keys); err != nil {
		return err
	}

	t.mu.Lock()
	for _, k := range keys {
		t.cache.remove(k)
	}
	cacheSnapshot := t.cache.snapshot()
	listeners := make([]*session.Session, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	e.observer.ItemsWritten(t.id.Key(), len(keys))
	for _, l := range listeners {
		_ = session.SendPacket(ctx, l, packets.TableItemRemove, packets.TableItemKeysPayload{ID: t.id, Keys: keys})
		_ = session.SendPacket(ctx, l, packets.TableCacheUpdate, packets.TableCacheUpdatePayload{ID: t.id, Cache: cacheSnapshot})
	}
	return nil
}

func (e *Extension) clear(ctx context.Context, t *table) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.adp.Clear(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.cache.clear()
	listeners := make([]*session.Session, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		_ = session.SendPacket(ctx, l, packets.TableItemClear, packets.TableIDPayload{ID: t.id})
		_ = session.SendPacket(ctx, l, packets.TableCacheUpdate, packets.TableCacheUpdatePayload{ID: t.id, Cache: nil})
	}
	return nil
}

// Get returns a single item by key, read from the table's adapter. The
// cache is filled by writes only; Get neither consults nor populates it.
// Used for server-local single-key reads outside a live session.
func (e *Extension) Get(ctx context.Context, id identifier.Identifier, key string) ([]byte, bool, error) {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t.adp.Get(ctx, key)
}

// SetLocal writes items to a table directly, bypassing the wire handlers
// (any bound proxies still run). Used by the composition root for
// server-maintained tables, like ServerExtension's apps table, that no
// session owns.
func (e *Extension) SetLocal(ctx context.Context, id identifier.Identifier, items []packets.TableItem) error {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return err
	}
	return e.write(ctx, t, items, packets.TableItemAdd)
}

// RemoveLocal removes keys from a table directly, bypassing the wire
// handlers. See SetLocal.
func (e *Extension) RemoveLocal(ctx context.Context, id identifier.Identifier, keys []string) error {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return err
	}
	return e.remove(ctx, t, keys)
}

// ClearLocal empties a table directly, bypassing the wire handlers. See
// SetLocal.
func (e *Extension) ClearLocal(ctx context.Context, id identifier.Identifier) error {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return err
	}
	return e.clear(ctx, t)
}

// Size returns a table's current row count.
func (e *Extension) Size(ctx context.Context, id identifier.Identifier) (int, error) {
	t, err := e.tableFor(ctx, id)
	if err != nil {
		return 0, err
	}
	return t.adp.Size(ctx)
}

// ItemGetHandler implements the ITEM_GET endpoint: decodes a
// TableItemKeysPayload request and returns the matching rows, in requested
// order, as a TableItemsPayload. Bound via ext/endpoint.Extension.BindLocal
// in the composition root.
func (e *Extension) ItemGetHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.TableItemKeysPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	t, err := e.authorize(ctx, caller, req.ID)
	if err != nil {
		return nil, err
	}
	items, err := t.adp.GetAll(ctx, req.Keys)
	if err != nil {
		return nil, err
	}
	return packets.TableItemsCodec.Encode(packets.TableItemsPayload{ID: req.ID, Items: items})
}

// FetchHandler implements the windowed FETCH endpoint: decodes a
// TableFetchPayload request and returns the matching window as a
// TableItemsPayload. Bound via ext/endpoint.Extension.BindLocal in the
// composition root.
func (e *Extension) FetchHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.TableFetchPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	t, err := e.authorize(ctx, caller, req.ID)
	if err != nil {
		return nil, err
	}
	items, err := t.adp.FetchItems(ctx, req.Before, req.After, req.Cursor)
	if err != nil {
		return nil, err
	}
	e.observer.Fetch(req.ID.Key(), len(items))
	return packets.TableItemsCodec.Encode(packets.TableItemsPayload{ID: req.ID, Items: items})
}

// FetchAllHandler implements the FETCH_ALL endpoint: decodes a
// TableIDPayload request and returns every row, in add-order, as a
// TableItemsPayload. Bound via ext/endpoint.Extension.BindLocal in the
// composition root.
func (e *Extension) FetchAllHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.TableIDPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	t, err := e.authorize(ctx, caller, req.ID)
	if err != nil {
		return nil, err
	}
	items, err := t.adp.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	e.observer.Fetch(req.ID.Key(), len(items))
	return packets.TableItemsCodec.Encode(packets.TableItemsPayload{ID: req.ID, Items: items})
}

// SizeHandler implements the SIZE endpoint: decodes a TableIDPayload
// request and returns the table's row count as a TableSizePayload. Bound
// via ext/endpoint.Extension.BindLocal in the composition root.
func (e *Extension) SizeHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.TableIDPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	t, err := e.authorize(ctx, caller, req.ID)
	if err != nil {
		return nil, err
	}
	size, err := t.adp.Size(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(packets.TableSizePayload{Size: size})
}
