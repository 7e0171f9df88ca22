// Package dashboard implements the broker's single privileged session:
// the human-in-the-loop approver for permission requests and the relay
// for the DASHBOARD_OPEN_APP server endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/session"
)

// Extension is the broker-wide dashboard extension. Exactly one session
// may hold the dashboard role at a time; later connections with the role
// replace the session currently holding it.
type Extension struct {
	manager *permission.Manager

	mu        sync.Mutex
	dash      *session.Session
	openedApp map[string]bool // app key -> currently believed open
}

// New constructs an Extension that arbitrates permission requests through
// manager.
func New(manager *permission.Manager) *Extension {
	return &Extension{
		manager:   manager,
		openedApp: make(map[string]bool),
	}
}

// Install wires this session's dashboard packet handlers into d. A session
// whose IsDashboard flag was set during handshake takes the dashboard role
// and has any permission requests queued while no dashboard was connected
// flushed to it.
func (e *Extension) Install(s *session.Session, d *dispatch.Dispatcher) {
	if s.IsDashboard {
		e.setDashboard(s)
	}

	dispatch.AddHandler(d, packets.PermissionAccept, func(ctx context.Context, p packets.PermissionResponsePayload) error {
		if !e.isDashboard(s) {
			return nil
		}
		e.manager.ResolveRequest(p.RequestID, true)
		return nil
	})

	dispatch.AddHandler(d, packets.PermissionDeny, func(ctx context.Context, p packets.PermissionResponsePayload) error {
		if !e.isDashboard(s) {
			return nil
		}
		e.manager.ResolveRequest(p.RequestID, false)
		return nil
	})

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		e.clearDashboard(s)
	})
}

func (e *Extension) setDashboard(s *session.Session) {
	e.mu.Lock()
	e.dash = s
	e.openedApp = make(map[string]bool)
	e.mu.Unlock()
	e.manager.SetDashboard(e)
}

func (e *Extension) clearDashboard(s *session.Session) {
	e.mu.Lock()
	isCurrent := e.dash == s
	if isCurrent {
		e.dash = nil
		e.openedApp = make(map[string]bool)
	}
	e.mu.Unlock()
	if isCurrent {
		e.manager.SetDashboard(nil)
	}
}

func (e *Extension) isDashboard(s *session.Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dash == s
}

func (e *Extension) current() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dash
}

// RequestPermissions implements permission.Dashboard: it sends req to the
// connected dashboard session as a PERMISSION_REQUEST and waits for the
// matching PERMISSION_ACCEPT/PERMISSION_DENY to resolve it.
func (e *Extension) RequestPermissions(ctx context.Context, req permission.Request) (bool, error) {
	dash := e.current()
	if dash == nil {
		return false, fmt.Errorf("dashboard: no dashboard connected")
	}

	types := make([]packets.PermissionTypeJSON, len(req.Permissions))
	for i, t := range req.Permissions {
		types[i] = packets.PermissionTypeJSON{ID: t.ID, Level: string(t.Level), Name: t.Name, Note: t.Note}
	}
	payload := packets.PermissionRequestPayload{
		RequestID:   req.ID,
		App:         packets.App{Identifier: req.App},
		Permissions: types,
	}
	if err := session.SendPacket(ctx, dash, packets.PermissionRequest, payload); err != nil {
		return false, err
	}
	return e.manager.AwaitRequest(ctx, req.ID)
}

// OpenApp implements the DASHBOARD_OPEN_APP server-local endpoint: it
// asks the connected dashboard session to bring app's UI to the
// foreground. The composition root binds this via ext/endpoint.BindLocal.
func (e *Extension) OpenApp(ctx context.Context, app identifier.Identifier) (string, error) {
	dash := e.current()
	if dash == nil {
		return packets.DashboardOpenAppNotConnected, nil
	}

	e.mu.Lock()
	already := e.openedApp[app.Key()]
	e.openedApp[app.Key()] = true
	e.mu.Unlock()
	if already {
		return packets.DashboardOpenAppAlreadyOpen, nil
	}

	if err := session.SendPacket(ctx, dash, packets.DashboardOpenAppNotify, packets.DashboardOpenAppNotifyPayload{
		App: packets.App{Identifier: app},
	}); err != nil {
		return "", err
	}
	return packets.DashboardOpenAppOpened, nil
}

// OpenAppHandler adapts OpenApp to endpoint.LocalHandler's raw-bytes
// signature, for binding as the DASHBOARD_OPEN_APP server-local endpoint:
//
//	endpoints.BindLocal(packets.DashboardOpenApp, nil, dash.OpenAppHandler)
func (e *Extension) OpenAppHandler(ctx context.Context, caller *session.Session, data []byte) ([]byte, error) {
	var req packets.DashboardOpenAppRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	status, err := e.OpenApp(ctx, req.App.Identifier)
	if err != nil {
		return nil, err
	}
	return json.Marshal(packets.DashboardOpenAppResponse{Status: status})
}
