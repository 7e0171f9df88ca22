package serverext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/ext/endpoint"
	"github.com/omuhub/broker/ext/registry"
	"github.com/omuhub/broker/ext/table"
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

func newTestSession(t *testing.T, ext *Extension, app identifier.Identifier) (*session.Session, *transport.Conn) {
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
	s := session.New(session.Config{Conn: serverConn, Mapper: mapper, Dispatcher: d, App: app})
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

func newExtension(t *testing.T) *Extension {
	t.Helper()
	dir := t.TempDir()
	perms := newTestManager(t)
	apps := table.New(dir, perms, nil)
	reg := registry.New(dir, nil)
	eps := endpoint.New(perms, nil)
	ext, err := New(context.Background(), apps, reg, eps, perms, "1.2.3", func(ctx context.Context, restart bool) error { return nil })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ext
}

func TestVersionPublishedToRegistryOnConstruction(t *testing.T) {
	dir := t.TempDir()
	perms := newTestManager(t)
	apps := table.New(dir, perms, nil)
	reg := registry.New(dir, nil)
	eps := endpoint.New(perms, nil)
	if _, err := New(context.Background(), apps, reg, eps, perms, "9.9.9", func(ctx context.Context, restart bool) error { return nil }); err != nil {
		t.Fatalf("New: %v", err)
	}
	value, ok := reg.Get(packets.VersionRegistry)
	if !ok || string(value) != "9.9.9" {
		t.Fatalf("version = %q, ok=%v", value, ok)
	}
}

func TestRequireAppsWaitsUntilNamedAppsReady(t *testing.T) {
	ext := newExtension(t)
	depA := identifier.MustNew("test.a", "app")
	depB := identifier.MustNew("test.b", "app")

	sessA, _ := newTestSession(t, ext, depA)
	sessB, _ := newTestSession(t, ext, depB)

	waiter, waiterConn := newTestSession(t, ext, identifier.MustNew("test.c", "app"))
	writeFrame(t, waiterConn, packets.RequireApps, packets.RequireAppsPayload{Identifiers: []identifier.Identifier{depA, depB}})
	time.Sleep(100 * time.Millisecond) // let the dispatch goroutine register the ready-task

	done := make(chan error, 1)
	go func() { done <- waiter.WaitForTasks(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitForTasks returned before dependencies became ready")
	case <-time.After(100 * time.Millisecond):
	}

	if err := sessA.WaitForTasks(context.Background()); err != nil {
		t.Fatalf("sessA WaitForTasks: %v", err)
	}

	select {
	case <-done:
		t.Fatal("WaitForTasks returned before both dependencies became ready")
	case <-time.After(100 * time.Millisecond):
	}

	if err := sessB.WaitForTasks(context.Background()); err != nil {
		t.Fatalf("sessB WaitForTasks: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter WaitForTasks: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for REQUIRE_APPS to resolve")
	}
}

func TestShutdownEndpointInvokesShutdownFunc(t *testing.T) {
	dir := t.TempDir()
	perms := newTestManager(t)
	apps := table.New(dir, perms, nil)
	reg := registry.New(dir, nil)
	eps := endpoint.New(perms, nil)

	calledCh := make(chan bool, 1)
	ext, err := New(context.Background(), apps, reg, eps, perms, "1.0.0", func(ctx context.Context, restart bool) error {
		calledCh <- restart
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	app := identifier.MustNew("test.a", "app")
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
	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := transport.Dial(dialCtx, wsURL, transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	serverConn := <-connCh

	mapper := packet.NewMapper()
	packets.RegisterAll(mapper)
	d := dispatch.New(mapper)
	s := session.New(session.Config{Conn: serverConn, Mapper: mapper, Dispatcher: d, App: app, IsDashboard: true})
	ext.Install(s, d)
	eps.Install(s, d)
	go s.Listen(context.Background())

	reqData, err := json.Marshal(packets.ShutdownRequest{Restart: true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	writeFrame(t, client, packets.EndpointCall, packets.EndpointCallPayload{ID: packets.Shutdown, Key: 1, Data: reqData})

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	typeKey, payload, err := client.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typeKey != packets.EndpointReceive.Key() {
		t.Fatalf("typeKey = %q, want ENDPOINT_RECEIVE", typeKey)
	}
	receive, err := packets.EndpointReceive.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var resp packets.ShutdownResponse
	if err := json.Unmarshal(receive.Data, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.OK {
		t.Fatal("expected OK=true")
	}

	select {
	case restart := <-calledCh:
		if !restart {
			t.Fatal("expected restart=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown to be invoked")
	}
}
