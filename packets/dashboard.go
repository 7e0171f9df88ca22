package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func dashboardPacket(name string) identifier.Identifier {
	return identifier.MustNew("ext", "dashboard", name)
}

// DashboardOpenApp is the identifier of the server-local endpoint that asks
// the dashboard session to bring an app's UI to the foreground.
var DashboardOpenApp = identifier.MustNew("ext", "dashboard", "open_app")

// Open-app outcomes returned by the DASHBOARD_OPEN_APP endpoint.
const (
	DashboardOpenAppOpened       = "opened"
	DashboardOpenAppAlreadyOpen  = "already_open"
	DashboardOpenAppNotConnected = "not_connected"
)

// DashboardOpenAppRequest is the DASHBOARD_OPEN_APP endpoint's call payload.
type DashboardOpenAppRequest struct {
	App App `json:"app"`
}

// DashboardOpenAppResponse is the DASHBOARD_OPEN_APP endpoint's reply.
type DashboardOpenAppResponse struct {
	Status string `json:"status"`
}

// DashboardOpenAppNotifyPayload is pushed to the dashboard session itself,
// fire-and-forget, telling it which app to bring to the foreground.
type DashboardOpenAppNotifyPayload struct {
	App App `json:"app"`
}

// DashboardOpenAppNotify is the packet the server sends to the connected
// dashboard session when DASHBOARD_OPEN_APP is called by some other app.
var DashboardOpenAppNotify = packet.NewType(dashboardPacket("open_app_notify"), packet.JSONCodec[DashboardOpenAppNotifyPayload]{})

// RegisterDashboard registers the dashboard extension's packet types into m.
func RegisterDashboard(m *packet.Mapper) {
	packet.Register(m, DashboardOpenAppNotify)
}
