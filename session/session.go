// Package session implements the broker's per-connection state machine:
// handshake, ready-gate task accumulation, packet dispatch, and disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/fserrors"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packet"
	"github.com/omuhub/broker/transport"
)

// State is a session's position in the connection lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateAuthenticating
	StatePreReady
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StatePreReady:
		return "pre_ready"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyReady = errors.New("session: already ready")
	ErrClosed       = errors.New("session: closed")
)

// task is a named unit of work that must complete before the session can
// transition from pre-ready to serving, mirroring the original
// add_task/wait_for_tasks ready-gate.
type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Session is one authenticated broker connection.
type Session struct {
	conn    *transport.Conn
	mapper  *packet.Mapper
	dispatcher *dispatch.Dispatcher

	App         identifier.Identifier
	Token       string
	IsDashboard bool

	observer observability.SessionObserver

	mu      sync.Mutex
	state   State
	tasks   []task
	readyAt time.Time

	disconnectOnce sync.Once
	disconnectHandlers []func(s *Session, reason observability.DisconnectReason)
	readyHandlers      []func(s *Session)
}

// Config constructs a Session bound to an accepted connection.
type Config struct {
	Conn        *transport.Conn
	Mapper      *packet.Mapper
	Dispatcher  *dispatch.Dispatcher
	App         identifier.Identifier
	Token       string
	IsDashboard bool
	Observer    observability.SessionObserver
}

// New constructs a Session in the Authenticating state (the caller has
// already completed the CONNECT/TOKEN exchange by the time it calls New).
func New(cfg Config) *Session {
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	return &Session{
		conn:        cfg.Conn,
		mapper:      cfg.Mapper,
		dispatcher:  cfg.Dispatcher,
		App:         cfg.App,
		Token:       cfg.Token,
		IsDashboard: cfg.IsDashboard,
		observer:    obs,
		state:       StateAuthenticating,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Closed reports whether the underlying connection has been closed.
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// Send encodes and writes a packet of the given type to the peer.
func (s *Session) Send(ctx context.Context, typeKey string, payload []byte) error {
	if s.Closed() {
		return ErrClosed
	}
	return s.conn.WriteFrame(ctx, typeKey, payload)
}

// SendPacket encodes data using t's codec and sends it.
func SendPacket[T any](ctx context.Context, s *Session, t packet.PacketType[T], data T) error {
	payload, err := t.Encode(data)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", t.Key(), err)
	}
	return s.Send(ctx, t.Key(), payload)
}

// AddTask registers a ready-gate task. It panics if called after the
// session has already become ready, mirroring the original's
// "Session is already ready" invariant violation.
func (s *Session) AddTask(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateServing {
		panic("session: AddTask called after session is ready")
	}
	s.tasks = append(s.tasks, task{name: name, fn: fn})
}

// WaitForTasks runs every registered ready-gate task concurrently, and on
// success moves the session to serving and fires its ready handlers. It returns an error (without transitioning) if any task
// fails, or ErrAlreadyReady if the session already reached Serving.
func (s *Session) WaitForTasks(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateServing {
		s.mu.Unlock()
		return ErrAlreadyReady
	}
	tasks := s.tasks
	started := time.Now()
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t task) {
			defer wg.Done()
			if err := t.fn(ctx); err != nil {
				errs[i] = fmt.Errorf("session: ready task %q: %w", t.name, err)
			}
		}(i, t)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.tasks = nil
	s.state = StateServing
	s.readyAt = time.Now()
	handlers := append([]func(s *Session){}, s.readyHandlers...)
	s.mu.Unlock()

	s.observer.ReadyLatency(time.Since(started))
	for _, h := range handlers {
		h(s)
	}
	return nil
}

// OnDisconnect registers a handler invoked once the session disconnects.
func (s *Session) OnDisconnect(h func(s *Session, reason observability.DisconnectReason)) {
	s.mu.Lock()
	s.disconnectHandlers = append(s.disconnectHandlers, h)
	s.mu.Unlock()
}

// OnReady registers a handler invoked once the session becomes ready.
// A handler registered after the session is already ready runs immediately.
func (s *Session) OnReady(h func(s *Session)) {
	s.mu.Lock()
	if s.state == StateServing {
		s.mu.Unlock()
		h(s)
		return
	}
	s.readyHandlers = append(s.readyHandlers, h)
	s.mu.Unlock()
}

// Disconnect runs sendFn when it is non-nil and the connection is still
// open (callers pass one that sends a DISCONNECT packet), then closes the
// connection and fires disconnect handlers. It is idempotent.
func (s *Session) Disconnect(ctx context.Context, reason observability.DisconnectReason, sendFn func(ctx context.Context) error) {
	s.disconnectOnce.Do(func() {
		if !s.Closed() && sendFn != nil {
			_ = sendFn(ctx)
		}
		_ = s.conn.Close()
		s.setState(StateClosed)
		s.observer.Disconnect(reason)

		s.mu.Lock()
		handlers := append([]func(s *Session, reason observability.DisconnectReason){}, s.disconnectHandlers...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(s, reason)
		}
	})
}

// Listen reads frames off the connection until it closes or ctx ends,
// dispatching each to the session's Dispatcher. It returns when the
// connection is no longer readable; callers are expected to call
// Disconnect afterward.
func (s *Session) Listen(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		typeKey, payload, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		s.dispatcher.Dispatch(ctx, typeKey, payload)
	}
}

// DisconnectErrorReason classifies a Listen error into a disconnect reason
// for logging/metrics purposes.
func DisconnectErrorReason(err error) observability.DisconnectReason {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return observability.DisconnectShutdown
	}
	if code, ok := fserrors.ClassifyCloseCode(err); ok {
		switch code {
		case fserrors.CodeDisconnectInvalidToken:
			return observability.DisconnectInvalidToken
		case fserrors.CodeDisconnectInvalidOrigin:
			return observability.DisconnectInvalidOrigin
		case fserrors.CodeDisconnectInvalidVersion:
			return observability.DisconnectInvalidVersion
		case fserrors.CodeDisconnectInvalidPacket:
			return observability.DisconnectInvalidPacket
		case fserrors.CodeDisconnectInvalidPacketType:
			return observability.DisconnectInvalidPacketType
		case fserrors.CodeDisconnectInvalidPacketData:
			return observability.DisconnectInvalidPacketData
		case fserrors.CodeDisconnectPermissionDenied:
			return observability.DisconnectPermissionDenied
		case fserrors.CodeDisconnectAnotherConnection:
			return observability.DisconnectAnotherConnection
		}
	}
	return observability.DisconnectClose
}
