package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
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

func mustJoin(t *testing.T, base identifier.Identifier, segments ...string) identifier.Identifier {
	t.Helper()
	id, err := base.Join(segments...)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return id
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

func TestListenWithoutGrantIsDeniedAndDisconnected(t *testing.T) {
	ext := New(newTestManager(t), nil)
	owner := identifier.MustNew("test.a", "app")
	id := mustJoin(t, owner, "chan")

	_, ownerConn := newTestSession(t, ext, owner, false)
	_, listenerConn := newTestSession(t, ext, identifier.MustNew("test.b", "app"), false)

	writeFrame(t, ownerConn, packets.SignalRegister, packets.SignalRegisterPayload{ID: id})
	writeFrame(t, listenerConn, packets.SignalListen, packets.SignalListenPayload{ID: id})

	// A listener from a different app with no declared permission on the
	// channel (no all/listen grant) is denied and disconnected rather than
	// silently dropped.
	typeKey, payload := readFrame(t, listenerConn)
	if typeKey != packets.Disconnect.Key() {
		t.Fatalf("typeKey = %q, want DISCONNECT (listener has no grant)", typeKey)
	}
	disconnect, err := packets.Disconnect.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if disconnect.Reason != "PERMISSION_DENIED" {
		t.Fatalf("Reason = %q", disconnect.Reason)
	}
}

func TestSubpathOwnerBypassesPermissionGate(t *testing.T) {
	ext := New(newTestManager(t), nil)
	owner := identifier.MustNew("test.a", "app")
	id := mustJoin(t, owner, "chan")

	_, ownerConn := newTestSession(t, ext, owner, false)

	writeFrame(t, ownerConn, packets.SignalRegister, packets.SignalRegisterPayload{ID: id})
	writeFrame(t, ownerConn, packets.SignalListen, packets.SignalListenPayload{ID: id})
	writeFrame(t, ownerConn, packets.SignalNotify, packets.SignalNotifyPayload{ID: id, Body: []byte("hi")})

	typeKey, payload := readFrame(t, ownerConn)
	if typeKey != packets.SignalNotify.Key() {
		t.Fatalf("typeKey = %q, want NOTIFY", typeKey)
	}
	got, err := packets.SignalNotify.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Body) != "hi" {
		t.Fatalf("Body = %q", got.Body)
	}
}

func TestDashboardBypassesPermissionGate(t *testing.T) {
	ext := New(newTestManager(t), nil)
	owner := identifier.MustNew("test.a", "app")
	id := mustJoin(t, owner, "chan")

	_, ownerConn := newTestSession(t, ext, owner, false)
	_, dashConn := newTestSession(t, ext, identifier.MustNew("test.b", "dash"), true)

	writeFrame(t, ownerConn, packets.SignalRegister, packets.SignalRegisterPayload{ID: id})
	writeFrame(t, dashConn, packets.SignalListen, packets.SignalListenPayload{ID: id})
	writeFrame(t, ownerConn, packets.SignalNotify, packets.SignalNotifyPayload{ID: id, Body: []byte("hey")})

	typeKey, payload := readFrame(t, dashConn)
	if typeKey != packets.SignalNotify.Key() {
		t.Fatalf("typeKey = %q, want NOTIFY", typeKey)
	}
	got, err := packets.SignalNotify.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Body) != "hey" {
		t.Fatalf("Body = %q", got.Body)
	}
}

func TestDisconnectRemovesListener(t *testing.T) {
	ext := New(newTestManager(t), nil)
	owner := identifier.MustNew("test.a", "app")
	id := mustJoin(t, owner, "chan")

	_, ownerConn := newTestSession(t, ext, owner, false)
	listenerSession, listenerConn := newTestSession(t, ext, owner, false)

	writeFrame(t, ownerConn, packets.SignalRegister, packets.SignalRegisterPayload{ID: id})
	writeFrame(t, listenerConn, packets.SignalListen, packets.SignalListenPayload{ID: id})

	c := ext.channelFor(id)
	c.mu.Lock()
	_, listening := c.listeners[listenerSession]
	c.mu.Unlock()
	if !listening {
		t.Fatal("expected listener to be registered")
	}

	listenerConn.Close()
	listenerSession.Disconnect(context.Background(), "test_close", func(context.Context) error { return nil })

	c.mu.Lock()
	_, stillListening := c.listeners[listenerSession]
	c.mu.Unlock()
	if stillListening {
		t.Fatal("expected listener to be removed on disconnect")
	}
}
