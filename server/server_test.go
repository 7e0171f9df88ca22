package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/transport"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HandshakeTimeout = 2 * time.Second
	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	mux := http.NewServeMux()
	srv.Register(mux)
	hsrv := httptest.NewServer(mux)
	t.Cleanup(hsrv.Close)
	return srv, hsrv
}

func dial(t *testing.T, hsrv *httptest.Server) *transport.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(hsrv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := transport.Dial(ctx, wsURL, transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func connectAndAwaitReady(t *testing.T, client *transport.Conn, app identifier.Identifier) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connectPayload, err := packets.Connect.Encode(packets.ConnectPayload{App: packets.App{Identifier: app}})
	if err != nil {
		t.Fatalf("Encode CONNECT: %v", err)
	}
	if err := client.WriteFrame(ctx, packets.Connect.Key(), connectPayload); err != nil {
		t.Fatalf("WriteFrame CONNECT: %v", err)
	}

	typeKey, payload, err := client.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame TOKEN: %v", err)
	}
	if typeKey != packets.Token.Key() {
		t.Fatalf("typeKey = %q, want TOKEN", typeKey)
	}
	tok, err := packets.Token.Decode(payload)
	if err != nil {
		t.Fatalf("Decode TOKEN: %v", err)
	}
	if tok.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	readyPayload, err := packets.Ready.Encode(packets.ReadyPayload{})
	if err != nil {
		t.Fatalf("Encode READY: %v", err)
	}
	if err := client.WriteFrame(ctx, packets.Ready.Key(), readyPayload); err != nil {
		t.Fatalf("WriteFrame READY: %v", err)
	}

	typeKey, _, err = client.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame READY reply: %v", err)
	}
	if typeKey != packets.Ready.Key() {
		t.Fatalf("typeKey = %q, want READY", typeKey)
	}
	return tok.Token
}

func TestHandshakeCompletesConnectTokenReady(t *testing.T) {
	_, hsrv := newTestServer(t)
	client := dial(t, hsrv)
	app := identifier.MustNew("test.app", "main")
	connectAndAwaitReady(t, client, app)
}

func TestReconnectWithSameTokenSucceeds(t *testing.T) {
	_, hsrv := newTestServer(t)
	app := identifier.MustNew("test.app", "reconnect")

	client1 := dial(t, hsrv)
	token := connectAndAwaitReady(t, client1, app)
	client1.Close()

	client2 := dial(t, hsrv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := packets.Connect.Encode(packets.ConnectPayload{App: packets.App{Identifier: app}, Token: token})
	if err != nil {
		t.Fatalf("Encode CONNECT: %v", err)
	}
	if err := client2.WriteFrame(ctx, packets.Connect.Key(), payload); err != nil {
		t.Fatalf("WriteFrame CONNECT: %v", err)
	}
	typeKey, respPayload, err := client2.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame TOKEN: %v", err)
	}
	if typeKey != packets.Token.Key() {
		t.Fatalf("typeKey = %q, want TOKEN", typeKey)
	}
	got, err := packets.Token.Decode(respPayload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Token != token {
		t.Fatalf("token = %q, want unchanged %q", got.Token, token)
	}
}

func TestReconnectWithWrongTokenIsRejected(t *testing.T) {
	_, hsrv := newTestServer(t)
	app := identifier.MustNew("test.app", "wrongtoken")

	client1 := dial(t, hsrv)
	connectAndAwaitReady(t, client1, app)
	client1.Close()

	client2 := dial(t, hsrv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := packets.Connect.Encode(packets.ConnectPayload{App: packets.App{Identifier: app}, Token: "not-the-token"})
	if err != nil {
		t.Fatalf("Encode CONNECT: %v", err)
	}
	if err := client2.WriteFrame(ctx, packets.Connect.Key(), payload); err != nil {
		t.Fatalf("WriteFrame CONNECT: %v", err)
	}
	if _, _, err := client2.ReadFrame(ctx); err == nil {
		t.Fatal("expected the connection to be closed after an invalid token")
	}
}

func TestSecondConnectionForSameAppEvictsTheFirst(t *testing.T) {
	_, hsrv := newTestServer(t)
	app := identifier.MustNew("test.app", "duplicate")

	client1 := dial(t, hsrv)
	connectAndAwaitReady(t, client1, app)

	client2 := dial(t, hsrv)
	connectAndAwaitReady(t, client2, app)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typeKey, payload, err := client1.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame DISCONNECT: %v", err)
	}
	if typeKey != packets.Disconnect.Key() {
		t.Fatalf("typeKey = %q, want DISCONNECT", typeKey)
	}
	got, err := packets.Disconnect.Decode(payload)
	if err != nil {
		t.Fatalf("Decode DISCONNECT: %v", err)
	}
	if got.Reason != "ANOTHER_CONNECTION" {
		t.Fatalf("Reason = %q, want ANOTHER_CONNECTION", got.Reason)
	}
	if _, _, err := client1.ReadFrame(ctx); err == nil {
		t.Fatal("expected the first connection to be evicted")
	}
}
