// Package observability defines the broker's metric-event interfaces: small
// method sets describing what happened, decoupled from how it is recorded.
// A no-op implementation is the default; the prom subpackage provides a
// Prometheus-backed one.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectResult reports the outcome of a session's CONNECT/TOKEN handshake.
type ConnectResult string

const (
	ConnectResultOK             ConnectResult = "ok"
	ConnectResultInvalidToken   ConnectResult = "invalid_token"
	ConnectResultInvalidOrigin  ConnectResult = "invalid_origin"
	ConnectResultInvalidVersion ConnectResult = "invalid_version"
	ConnectResultInvalidPacket  ConnectResult = "invalid_packet"
)

// DisconnectReason mirrors the wire disconnect-reason taxonomy.
type DisconnectReason string

const (
	DisconnectShutdown          DisconnectReason = "shutdown"
	DisconnectClose             DisconnectReason = "close"
	DisconnectAnotherConnection DisconnectReason = "another_connection"
	DisconnectPermissionDenied  DisconnectReason = "permission_denied"
	DisconnectInvalidToken      DisconnectReason = "invalid_token"
	DisconnectInvalidOrigin     DisconnectReason = "invalid_origin"
	DisconnectInvalidVersion    DisconnectReason = "invalid_version"
	DisconnectInvalidPacket     DisconnectReason = "invalid_packet"
	DisconnectInvalidPacketType DisconnectReason = "invalid_packet_type"
	DisconnectInvalidPacketData DisconnectReason = "invalid_packet_data"
)

// CallResult reports the outcome of an endpoint (RPC-style) call.
type CallResult string

const (
	CallResultOK               CallResult = "ok"
	CallResultError            CallResult = "error"
	CallResultPermissionDenied CallResult = "permission_denied"
	CallResultNotFound         CallResult = "not_found"
	CallResultTimeout          CallResult = "timeout"
)

// GrantResult reports the outcome of a dashboard permission arbitration.
type GrantResult string

const (
	GrantResultGranted GrantResult = "granted"
	GrantResultDenied  GrantResult = "denied"
)

// SessionObserver receives session-lifecycle metric events.
type SessionObserver interface {
	ConnCount(n int64)
	Connect(result ConnectResult)
	Disconnect(reason DisconnectReason)
	ReadyLatency(d time.Duration)
}

// EndpointObserver receives endpoint-extension call metric events.
type EndpointObserver interface {
	Call(result CallResult, d time.Duration)
}

// TableObserver receives table-extension write/fetch metric events.
type TableObserver interface {
	ItemsWritten(table string, n int)
	Fetch(table string, n int)
}

// RegistryObserver receives registry-extension update metric events.
type RegistryObserver interface {
	Updated(registry string)
}

// SignalObserver receives signal-extension notify metric events.
type SignalObserver interface {
	Notified(signal string)
}

// PermissionObserver receives permission-arbitration metric events.
type PermissionObserver interface {
	Grant(result GrantResult)
}

type noopSessionObserver struct{}

func (noopSessionObserver) ConnCount(int64)             {}
func (noopSessionObserver) Connect(ConnectResult)       {}
func (noopSessionObserver) Disconnect(DisconnectReason) {}
func (noopSessionObserver) ReadyLatency(time.Duration)  {}

type noopEndpointObserver struct{}

func (noopEndpointObserver) Call(CallResult, time.Duration) {}

type noopTableObserver struct{}

func (noopTableObserver) ItemsWritten(string, int) {}
func (noopTableObserver) Fetch(string, int)        {}

type noopRegistryObserver struct{}

func (noopRegistryObserver) Updated(string) {}

type noopSignalObserver struct{}

func (noopSignalObserver) Notified(string) {}

type noopPermissionObserver struct{}

func (noopPermissionObserver) Grant(GrantResult) {}

// Noop observers, used when metrics are disabled.
var (
	NoopSessionObserver    SessionObserver    = noopSessionObserver{}
	NoopEndpointObserver   EndpointObserver   = noopEndpointObserver{}
	NoopTableObserver      TableObserver      = noopTableObserver{}
	NoopRegistryObserver   RegistryObserver   = noopRegistryObserver{}
	NoopSignalObserver     SignalObserver     = noopSignalObserver{}
	NoopPermissionObserver PermissionObserver = noopPermissionObserver{}
)

// AtomicSessionObserver swaps its delegate at runtime.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct{ obs SessionObserver }

// NewAtomicSessionObserver returns an initialized atomic observer.
func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) ConnCount(n int64)            { a.load().ConnCount(n) }
func (a *AtomicSessionObserver) Connect(result ConnectResult) { a.load().Connect(result) }
func (a *AtomicSessionObserver) Disconnect(reason DisconnectReason) {
	a.load().Disconnect(reason)
}
func (a *AtomicSessionObserver) ReadyLatency(d time.Duration) { a.load().ReadyLatency(d) }
