// Package prom provides Prometheus-backed implementations of the
// observability package's observer interfaces.
package prom

import (
	"net/http"
	"time"

	"github.com/omuhub/broker/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports session-lifecycle metrics to Prometheus.
type SessionObserver struct {
	connGauge     prometheus.Gauge
	connectTotal  *prometheus.CounterVec
	disconnTotal  *prometheus.CounterVec
	readyLatency  prometheus.Histogram
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omuhub_sessions",
			Help: "Current websocket session count.",
		}),
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_connect_total",
			Help: "Session handshake attempts by result.",
		}, []string{"result"}),
		disconnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_disconnect_total",
			Help: "Session disconnects by reason.",
		}, []string{"reason"}),
		readyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omuhub_ready_latency_seconds",
			Help:    "Latency from CONNECT to READY.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(o.connGauge, o.connectTotal, o.disconnTotal, o.readyLatency)
	return o
}

func (o *SessionObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *SessionObserver) Connect(result observability.ConnectResult) {
	o.connectTotal.WithLabelValues(string(result)).Inc()
}

func (o *SessionObserver) Disconnect(reason observability.DisconnectReason) {
	o.disconnTotal.WithLabelValues(string(reason)).Inc()
}

func (o *SessionObserver) ReadyLatency(d time.Duration) {
	o.readyLatency.Observe(d.Seconds())
}

// EndpointObserver exports endpoint-call metrics to Prometheus.
type EndpointObserver struct {
	calls        *prometheus.CounterVec
	callLatency  prometheus.Histogram
}

// NewEndpointObserver registers endpoint metrics on the registry.
func NewEndpointObserver(reg *prometheus.Registry) *EndpointObserver {
	o := &EndpointObserver{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_endpoint_calls_total",
			Help: "Endpoint call outcomes.",
		}, []string{"result"}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omuhub_endpoint_call_latency_seconds",
			Help:    "Endpoint call latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(o.calls, o.callLatency)
	return o
}

func (o *EndpointObserver) Call(result observability.CallResult, d time.Duration) {
	o.calls.WithLabelValues(string(result)).Inc()
	o.callLatency.Observe(d.Seconds())
}

// TableObserver exports table-extension metrics to Prometheus.
type TableObserver struct {
	itemsWritten *prometheus.CounterVec
	fetched      *prometheus.CounterVec
}

// NewTableObserver registers table metrics on the registry.
func NewTableObserver(reg *prometheus.Registry) *TableObserver {
	o := &TableObserver{
		itemsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_table_items_written_total",
			Help: "Table items written, by table.",
		}, []string{"table"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_table_items_fetched_total",
			Help: "Table items fetched, by table.",
		}, []string{"table"}),
	}
	reg.MustRegister(o.itemsWritten, o.fetched)
	return o
}

func (o *TableObserver) ItemsWritten(table string, n int) {
	o.itemsWritten.WithLabelValues(table).Add(float64(n))
}

func (o *TableObserver) Fetch(table string, n int) {
	o.fetched.WithLabelValues(table).Add(float64(n))
}

// RegistryObserver exports registry-extension metrics to Prometheus.
type RegistryObserver struct {
	updates *prometheus.CounterVec
}

// NewRegistryObserver registers registry metrics on the registry.
func NewRegistryObserver(reg *prometheus.Registry) *RegistryObserver {
	o := &RegistryObserver{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_registry_updates_total",
			Help: "Registry updates, by registry.",
		}, []string{"registry"}),
	}
	reg.MustRegister(o.updates)
	return o
}

func (o *RegistryObserver) Updated(registry string) {
	o.updates.WithLabelValues(registry).Inc()
}

// SignalObserver exports signal-extension metrics to Prometheus.
type SignalObserver struct {
	notifies *prometheus.CounterVec
}

// NewSignalObserver registers signal metrics on the registry.
func NewSignalObserver(reg *prometheus.Registry) *SignalObserver {
	o := &SignalObserver{
		notifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_signal_notifies_total",
			Help: "Signal notifications, by signal.",
		}, []string{"signal"}),
	}
	reg.MustRegister(o.notifies)
	return o
}

func (o *SignalObserver) Notified(signal string) {
	o.notifies.WithLabelValues(signal).Inc()
}

// PermissionObserver exports permission-arbitration metrics to Prometheus.
type PermissionObserver struct {
	grants *prometheus.CounterVec
}

// NewPermissionObserver registers permission metrics on the registry.
func NewPermissionObserver(reg *prometheus.Registry) *PermissionObserver {
	o := &PermissionObserver{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omuhub_permission_grants_total",
			Help: "Dashboard permission arbitration outcomes.",
		}, []string{"result"}),
	}
	reg.MustRegister(o.grants)
	return o
}

func (o *PermissionObserver) Grant(result observability.GrantResult) {
	o.grants.WithLabelValues(string(result)).Inc()
}
