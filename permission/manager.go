package permission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
)

// Level is a permission's declared risk tier.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Type describes a registered permission: an identifier plus the metadata
// shown to a human approving a grant request.
type Type struct {
	ID    identifier.Identifier
	Level Level
	Name  string
	Note  string
}

// Request is a pending dashboard arbitration: an app is asking for a set of
// permissions, keyed by a monotonic request id.
type Request struct {
	ID          string
	App         identifier.Identifier
	Permissions []Type
}

// ErrDenied is returned by Require's installed ready-task when the
// dashboard denies the request.
var ErrDenied = fmt.Errorf("permission: request denied")

// ErrNotRegistered is returned when a caller references an unregistered
// permission identifier.
var ErrNotRegistered = fmt.Errorf("permission: not registered")

// Dashboard is the narrow interface Manager needs to reach the dashboard
// session: send it a permission request and await an accept/deny.
//
// This is the spec's "Cyclic references" redesign applied to
// Manager<->dashboard: Manager depends on this small interface rather than
// importing the dashboard extension directly.
type Dashboard interface {
	RequestPermissions(ctx context.Context, req Request) (bool, error)
}

type pendingResolution struct {
	accept bool
}

// Manager owns the permission-type registry and the granted set, and
// arbitrates grant requests through a Dashboard.
type Manager struct {
	store    *Store
	observer observability.PermissionObserver

	mu       sync.RWMutex
	registry map[string]Type          // key -> Type
	granted  map[string]map[string]bool // token -> set of identifier keys

	requestCounter int64

	dashboardMu      sync.Mutex
	dashboard        Dashboard
	dashboardReady   chan struct{} // closed and replaced whenever a dashboard connects
	dashboardWaiters int           // count of Require calls blocked in awaitDashboard, for tests

	pendingMu sync.Mutex
	pending   map[string]chan pendingResolution
}

// NewManager constructs a Manager backed by store.
func NewManager(store *Store, observer observability.PermissionObserver) *Manager {
	if observer == nil {
		observer = observability.NoopPermissionObserver
	}
	return &Manager{
		store:          store,
		observer:       observer,
		registry:       make(map[string]Type),
		granted:        make(map[string]map[string]bool),
		pending:        make(map[string]chan pendingResolution),
		dashboardReady: make(chan struct{}),
	}
}

// SetDashboard installs the session that arbitrates permission requests. A
// nil Dashboard means no session currently holds the dashboard role. Any
// Require calls blocked in awaitDashboard wake up and proceed on their own,
// each calling RequestPermissions directly so one slow approval never
// blocks another.
func (m *Manager) SetDashboard(d Dashboard) {
	m.dashboardMu.Lock()
	m.dashboard = d
	if d != nil {
		close(m.dashboardReady)
		m.dashboardReady = make(chan struct{})
	}
	m.dashboardMu.Unlock()
}

// awaitDashboard blocks until a dashboard is connected, or ctx ends.
func (m *Manager) awaitDashboard(ctx context.Context) (Dashboard, error) {
	for {
		m.dashboardMu.Lock()
		d := m.dashboard
		if d != nil {
			m.dashboardMu.Unlock()
			return d, nil
		}
		ch := m.dashboardReady
		m.dashboardWaiters++
		m.dashboardMu.Unlock()

		select {
		case <-ch:
			m.dashboardMu.Lock()
			m.dashboardWaiters--
			m.dashboardMu.Unlock()
		case <-ctx.Done():
			m.dashboardMu.Lock()
			m.dashboardWaiters--
			m.dashboardMu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Register adds permission types to the registry. callerApp is the app
// identifier of the registering session; every permission's id must be a
// subpath of it, unless isDashboard is true.
func (m *Manager) Register(callerApp identifier.Identifier, isDashboard bool, types ...Type) error {
	if !isDashboard {
		for _, t := range types {
			if !t.ID.IsSubpathOf(callerApp) {
				return fmt.Errorf("permission: identifier %s is not a subpath of app %s", t.ID, callerApp)
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types {
		m.registry[t.ID.Key()] = t
	}
	return nil
}

// Lookup returns the registered permission type for id, if any.
func (m *Manager) Lookup(id identifier.Identifier) (Type, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id.Key()]
	return t, ok
}

// grantedSet returns (loading from the store on first use) the set of
// identifier keys granted to token.
func (m *Manager) grantedSet(ctx context.Context, token string) (map[string]bool, error) {
	m.mu.RLock()
	set, ok := m.granted[token]
	m.mu.RUnlock()
	if ok {
		return set, nil
	}

	loaded, err := m.store.Load(ctx, token)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if existing, ok := m.granted[token]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.granted[token] = loaded
	m.mu.Unlock()
	return loaded, nil
}

// HasPermission reports whether a session may touch id: subpath of its own
// app identifier, explicitly granted to its token, or dashboard-trusted.
func (m *Manager) HasPermission(ctx context.Context, app identifier.Identifier, token string, isDashboard bool, id identifier.Identifier) (bool, error) {
	if isDashboard {
		return true, nil
	}
	if id.IsSubpathOf(app) {
		return true, nil
	}
	set, err := m.grantedSet(ctx, token)
	if err != nil {
		return false, err
	}
	return set[id.Key()], nil
}

// grant persists that token now holds every id in ids.
func (m *Manager) grant(ctx context.Context, token string, ids []identifier.Identifier) error {
	set, err := m.grantedSet(ctx, token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		set[id.Key()] = true
	}
	snapshot := make(map[string]bool, len(set))
	for k := range set {
		snapshot[k] = true
	}
	m.mu.Unlock()
	return m.store.Save(ctx, token, snapshot)
}

func (m *Manager) nextRequestID() string {
	n := atomic.AddInt64(&m.requestCounter, 1)
	return fmt.Sprintf("%d-%d", n, time.Now().UnixNano())
}

// Require resolves the given permission ids against token's granted set,
// requesting dashboard approval for whichever are missing. The returned
// func is meant to be installed as a session ready-task: it blocks until a
// dashboard is connected and responds (or ctx ends), and grants/persists on
// acceptance.
//
// Require always arbitrates through the same RequestPermissions call a
// live dashboard would get, whether or not one is connected yet: it waits
// for one via awaitDashboard first, then calls RequestPermissions directly.
// Dashboard implementations (see ext/dashboard) arbitrate a request by
// calling Manager.AwaitRequest, which is the single pending-channel
// registration for that request's id — routing both the queued and the
// live case through the exact same call avoids a second, orphaning
// registration under the same request id.
func (m *Manager) Require(app identifier.Identifier, token string, ids ...identifier.Identifier) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var missing []identifier.Identifier
		for _, id := range ids {
			ok, err := m.HasPermission(ctx, app, token, false, id)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		var types []Type
		for _, id := range missing {
			t, ok := m.Lookup(id)
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotRegistered, id)
			}
			types = append(types, t)
		}

		req := Request{ID: m.nextRequestID(), App: app, Permissions: types}

		dash, err := m.awaitDashboard(ctx)
		if err != nil {
			return err
		}

		accepted, err := dash.RequestPermissions(ctx, req)
		if err != nil {
			return err
		}
		if !accepted {
			m.observer.Grant(observability.GrantResultDenied)
			return fmt.Errorf("%w (id=%s)", ErrDenied, req.ID)
		}
		m.observer.Grant(observability.GrantResultGranted)
		return m.grant(ctx, token, missing)
	}
}

// ResolveRequest is called by the dashboard extension when an accept/deny
// packet arrives; it is a convenience used by Dashboard implementations that
// track pending requests through Manager rather than on their own. Manager
// itself does not require its callers to use this path — RequestPermissions
// may be implemented by waiting on any mechanism the Dashboard chooses.
func (m *Manager) ResolveRequest(requestID string, accept bool) bool {
	m.pendingMu.Lock()
	ch, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingResolution{accept: accept}
	return true
}

// AwaitRequest registers requestID as pending and blocks until ResolveRequest
// is called for it or ctx ends. Dashboard implementations may use this
// helper instead of building their own correlation table.
func (m *Manager) AwaitRequest(ctx context.Context, requestID string) (bool, error) {
	ch := make(chan pendingResolution, 1)
	m.pendingMu.Lock()
	m.pending[requestID] = ch
	m.pendingMu.Unlock()

	select {
	case res := <-ch:
		return res.accept, nil
	case <-ctx.Done():
		m.pendingMu.Lock()
		delete(m.pending, requestID)
		m.pendingMu.Unlock()
		return false, ctx.Err()
	}
}
