package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConnFrameRoundTrip(t *testing.T) {
	serverDone := make(chan struct{})
	var serverErr error

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, UpgraderOptions{})
		if err != nil {
			serverErr = err
			close(serverDone)
			return
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		typeKey, payload, err := c.ReadFrame(ctx)
		if err != nil {
			serverErr = err
			close(serverDone)
			return
		}
		if err := c.WriteFrame(ctx, typeKey, payload); err != nil {
			serverErr = err
		}
		close(serverDone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := Dial(ctx, wsURL, DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteFrame(ctx, "test.a:x/echo", []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	typeKey, payload, err := client.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	<-serverDone
	if serverErr != nil {
		t.Fatalf("server error: %v", serverErr)
	}
	if typeKey != "test.a:x/echo" {
		t.Fatalf("typeKey = %q", typeKey)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestConnReadFrameContextCancel(t *testing.T) {
	mux := http.NewServeMux()
	accepted := make(chan struct{})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, UpgraderOptions{})
		if err != nil {
			return
		}
		defer c.Close()
		close(accepted)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	client, _, err := Dial(dialCtx, wsURL, DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	<-accepted

	ctx, cancel := context.WithCancel(context.Background())
	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.ReadFrame(ctx)
		readErr <- err
	}()
	cancel()

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected error after context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame did not return after context cancellation")
	}
}
