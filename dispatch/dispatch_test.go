package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

type echoPayload struct {
	Value string `json:"value"`
}

func TestDispatchRunsRegisteredHandler(t *testing.T) {
	mapper := packet.NewMapper()
	typ := packet.NewType(identifier.MustNew("test.a", "x", "echo"), packet.JSONCodec[echoPayload]{})
	packet.Register(mapper, typ)

	d := New(mapper)
	got := make(chan string, 1)
	AddHandler(d, typ, func(ctx context.Context, data echoPayload) error {
		got <- data.Value
		return nil
	})

	b, err := typ.Encode(echoPayload{Value: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	d.Dispatch(context.Background(), typ.Key(), b)

	select {
	case v := <-got:
		if v != "hi" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

func TestDispatchUnknownTypeReportsError(t *testing.T) {
	mapper := packet.NewMapper()
	d := New(mapper)
	var mu sync.Mutex
	var gotErr error
	d.OnError = func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	}
	d.Dispatch(context.Background(), "test.a:unregistered", nil)

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Fatal("expected OnError to be called")
	}
}

func TestDispatchMultipleHandlersIndependent(t *testing.T) {
	mapper := packet.NewMapper()
	typ := packet.NewType(identifier.MustNew("test.a", "x", "echo"), packet.JSONCodec[echoPayload]{})
	packet.Register(mapper, typ)

	d := New(mapper)
	var wg sync.WaitGroup
	wg.Add(2)
	AddHandler(d, typ, func(ctx context.Context, data echoPayload) error {
		defer wg.Done()
		return nil
	})
	AddHandler(d, typ, func(ctx context.Context, data echoPayload) error {
		defer wg.Done()
		panic("boom")
	})

	b, err := typ.Encode(echoPayload{Value: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	d.Dispatch(context.Background(), typ.Key(), b)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers did not complete")
	}
}

func TestDispatchSyncReturnsHandlerError(t *testing.T) {
	mapper := packet.NewMapper()
	typ := packet.NewType(identifier.MustNew("test.a", "x", "echo"), packet.JSONCodec[echoPayload]{})
	packet.Register(mapper, typ)

	d := New(mapper)
	AddHandler(d, typ, func(ctx context.Context, data echoPayload) error {
		return context.DeadlineExceeded
	})

	b, err := typ.Encode(echoPayload{Value: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := d.DispatchSync(context.Background(), typ.Key(), b); err == nil {
		t.Fatal("expected error from DispatchSync")
	}
}
