package prom

import (
	"testing"
	"time"

	"github.com/omuhub/broker/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionObserverRecordsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewSessionObserver(reg)

	o.ConnCount(5)
	o.Connect(observability.ConnectResultOK)
	o.Disconnect(observability.DisconnectClose)
	o.ReadyLatency(10 * time.Millisecond)

	if got := testutil.ToFloat64(o.connGauge); got != 5 {
		t.Fatalf("connGauge = %v", got)
	}
}

func TestEndpointObserverRecordsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewEndpointObserver(reg)
	o.Call(observability.CallResultOK, 5*time.Millisecond)
	// No panic and registry accepted the metrics is the only check here;
	// the CounterVec/Histogram values are not inspected.
}

func TestTableObserverRecordsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewTableObserver(reg)
	o.ItemsWritten("chat", 3)
	o.Fetch("chat", 10)
}

func TestRegistryObserverRecordsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewRegistryObserver(reg)
	o.Updated("settings")
}

func TestSignalObserverRecordsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewSignalObserver(reg)
	o.Notified("chat.message")
}

func TestPermissionObserverRecordsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewPermissionObserver(reg)
	o.Grant(observability.GrantResultGranted)
}
