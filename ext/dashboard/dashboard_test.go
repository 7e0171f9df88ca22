package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packet"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/session"
	"github.com/omuhub/broker/transport"
)

func newTestManager(t *testing.T) *permission.Manager {
	t.Helper()
	store, err := permission.OpenStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return permission.NewManager(store, nil)
}

func newTestSession(t *testing.T, ext *Extension, app identifier.Identifier, isDashboard bool) (*session.Session, *transport.Conn) {
	t.Helper()
	mux := http.NewServeMux()
	connCh := make(chan *transport.Conn, 1)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.Upgrade(w, r, transport.UpgraderOptions{})
		if err != nil {
			return
		}
		connCh <- c
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := transport.Dial(ctx, wsURL, transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	serverConn := <-connCh

	mapper := packet.NewMapper()
	packets.RegisterAll(mapper)
	d := dispatch.New(mapper)
	s := session.New(session.Config{
		Conn:        serverConn,
		Mapper:      mapper,
		Dispatcher:  d,
		App:         app,
		IsDashboard: isDashboard,
	})
	ext.Install(s, d)
	go s.Listen(context.Background())
	return s, client
}

func writeFrame[T any](t *testing.T, client *transport.Conn, typ packet.PacketType[T], p T) {
	t.Helper()
	payload, err := typ.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.WriteFrame(ctx, typ.Key(), payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func readFrame(t *testing.T, client *transport.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typeKey, payload, err := client.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return typeKey, payload
}

func TestRequestPermissionsRoutesToDashboardAndResolvesOnAccept(t *testing.T) {
	mgr := newTestManager(t)
	ext := New(mgr)
	app := identifier.MustNew("test.a", "x")

	_, dashConn := newTestSession(t, ext, identifier.MustNew("test.dashboard", "ui"), true)

	req := permission.Request{
		ID:  "1-123",
		App: app,
		Permissions: []permission.Type{
			{ID: identifier.MustNew("test.b", "resource"), Name: "resource"},
		},
	}

	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		accepted, err := ext.RequestPermissions(context.Background(), req)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- accepted
	}()

	typeKey, payload := readFrame(t, dashConn)
	if typeKey != packets.PermissionRequest.Key() {
		t.Fatalf("typeKey = %q, want PERMISSION_REQUEST", typeKey)
	}
	got, err := packets.PermissionRequest.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.RequestID != req.ID {
		t.Fatalf("RequestID = %q", got.RequestID)
	}

	writeFrame(t, dashConn, packets.PermissionAccept, packets.PermissionResponsePayload{RequestID: req.ID})

	select {
	case accepted := <-resultCh:
		if !accepted {
			t.Fatal("expected accepted=true")
		}
	case err := <-errCh:
		t.Fatalf("RequestPermissions: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RequestPermissions result")
	}
}

func TestRequestPermissionsWithNoDashboardErrors(t *testing.T) {
	mgr := newTestManager(t)
	ext := New(mgr)

	_, err := ext.RequestPermissions(context.Background(), permission.Request{ID: "1-1", App: identifier.MustNew("test.a", "x")})
	if err == nil {
		t.Fatal("expected error with no dashboard connected")
	}
}

func TestOpenAppReturnsOpenedThenAlreadyOpen(t *testing.T) {
	mgr := newTestManager(t)
	ext := New(mgr)
	_, dashConn := newTestSession(t, ext, identifier.MustNew("test.dashboard", "ui"), true)

	app := identifier.MustNew("test.a", "x")

	status, err := ext.OpenApp(context.Background(), app)
	if err != nil {
		t.Fatalf("OpenApp: %v", err)
	}
	if status != packets.DashboardOpenAppOpened {
		t.Fatalf("status = %q, want opened", status)
	}

	typeKey, _ := readFrame(t, dashConn)
	if typeKey != packets.DashboardOpenAppNotify.Key() {
		t.Fatalf("typeKey = %q, want OPEN_APP_NOTIFY", typeKey)
	}

	status, err = ext.OpenApp(context.Background(), app)
	if err != nil {
		t.Fatalf("OpenApp (2nd): %v", err)
	}
	if status != packets.DashboardOpenAppAlreadyOpen {
		t.Fatalf("status = %q, want already_open", status)
	}
}

func TestOpenAppWithNoDashboardReturnsNotConnected(t *testing.T) {
	mgr := newTestManager(t)
	ext := New(mgr)

	status, err := ext.OpenApp(context.Background(), identifier.MustNew("test.a", "x"))
	if err != nil {
		t.Fatalf("OpenApp: %v", err)
	}
	if status != packets.DashboardOpenAppNotConnected {
		t.Fatalf("status = %q, want not_connected", status)
	}
}

func TestDashboardDisconnectClearsRole(t *testing.T) {
	mgr := newTestManager(t)
	ext := New(mgr)
	dashSession, dashConn := newTestSession(t, ext, identifier.MustNew("test.dashboard", "ui"), true)

	dashConn.Close()
	dashSession.Disconnect(context.Background(), observability.DisconnectClose, nil)

	if ext.current() != nil {
		t.Fatal("expected dashboard role to clear on disconnect")
	}
}
