package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packet"
	"github.com/omuhub/broker/transport"
)

func newSessionPair(t *testing.T) (*Session, *transport.Conn, func()) {
	t.Helper()
	mux := http.NewServeMux()
	serverConnCh := make(chan *transport.Conn, 1)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.Upgrade(w, r, transport.UpgraderOptions{})
		if err != nil {
			return
		}
		serverConnCh <- c
	})
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := transport.Dial(ctx, wsURL, transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverConn := <-serverConnCh

	mapper := packet.NewMapper()
	d := dispatch.New(mapper)
	s := New(Config{
		Conn:   serverConn,
		Mapper: mapper,
		Dispatcher: d,
		App:    identifier.MustNew("test.a", "app"),
		Token:  "tok",
	})
	cleanup := func() {
		_ = client.Close()
		_ = serverConn.Close()
		srv.Close()
	}
	return s, client, cleanup
}

func TestAddTaskPanicsAfterReady(t *testing.T) {
	s, _, cleanup := newSessionPair(t)
	defer cleanup()

	if err := s.WaitForTasks(context.Background()); err != nil {
		t.Fatalf("WaitForTasks: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s.AddTask("late", func(ctx context.Context) error { return nil })
}

func TestWaitForTasksRunsConcurrentlyAndTransitions(t *testing.T) {
	s, _, cleanup := newSessionPair(t)
	defer cleanup()

	var ran int32
	var mu sync.Mutex
	s.AddTask("a", func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	s.AddTask("b", func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	readyCalled := make(chan struct{})
	s.OnReady(func(s *Session) { close(readyCalled) })

	if err := s.WaitForTasks(context.Background()); err != nil {
		t.Fatalf("WaitForTasks: %v", err)
	}
	if s.State() != StateServing {
		t.Fatalf("state = %v, want Serving", s.State())
	}
	mu.Lock()
	if ran != 2 {
		t.Fatalf("ran = %d", ran)
	}
	mu.Unlock()

	select {
	case <-readyCalled:
	case <-time.After(time.Second):
		t.Fatal("ready handler did not run")
	}

	if err := s.WaitForTasks(context.Background()); !errors.Is(err, ErrAlreadyReady) {
		t.Fatalf("expected ErrAlreadyReady, got %v", err)
	}
}

func TestWaitForTasksPropagatesFailure(t *testing.T) {
	s, _, cleanup := newSessionPair(t)
	defer cleanup()

	boom := errors.New("boom")
	s.AddTask("fails", func(ctx context.Context) error { return boom })

	err := s.WaitForTasks(context.Background())
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom error, got %v", err)
	}
	if s.State() == StateServing {
		t.Fatal("state should not transition to Serving on failure")
	}
}

func TestOnReadyRegisteredAfterReadyRunsImmediately(t *testing.T) {
	s, _, cleanup := newSessionPair(t)
	defer cleanup()

	if err := s.WaitForTasks(context.Background()); err != nil {
		t.Fatalf("WaitForTasks: %v", err)
	}

	called := make(chan struct{})
	s.OnReady(func(s *Session) { close(called) })
	select {
	case <-called:
	default:
		t.Fatal("expected immediate invocation")
	}
}

func TestDisconnectIsIdempotentAndFiresHandlers(t *testing.T) {
	s, _, cleanup := newSessionPair(t)
	defer cleanup()

	var calls int
	var mu sync.Mutex
	s.OnDisconnect(func(s *Session, reason observability.DisconnectReason) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	s.Disconnect(context.Background(), observability.DisconnectClose, nil)
	s.Disconnect(context.Background(), observability.DisconnectClose, nil)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !s.Closed() {
		t.Fatal("expected session to be closed")
	}
}

func TestSendPacketRoundTrip(t *testing.T) {
	s, client, cleanup := newSessionPair(t)
	defer cleanup()

	type echoPayload struct {
		Value string `json:"value"`
	}
	typ := packet.NewType(identifier.MustNew("test.a", "x", "echo"), packet.JSONCodec[echoPayload]{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendPacket(context.Background(), s, typ, echoPayload{Value: "hi"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typeKey, payload, err := client.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if typeKey != typ.Key() {
		t.Fatalf("typeKey = %q", typeKey)
	}
	got, err := typ.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Value != "hi" {
		t.Fatalf("Value = %q", got.Value)
	}
}
