package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func serverPacket(name string) identifier.Identifier {
	return identifier.MustNew("core", "server", name)
}

// AppsTable is the identifier of the server-owned table holding one row
// per live session, keyed by app identifier key.
var AppsTable = identifier.MustNew("core", "server", "apps")

// VersionRegistry is the identifier of the server-owned registry holding
// the broker's version string.
var VersionRegistry = identifier.MustNew("core", "server", "version")

// Shutdown is the identifier of the permissioned SHUTDOWN endpoint.
var Shutdown = identifier.MustNew("core", "server", "shutdown")

// RequireAppsPayload declares that the sending session's readiness depends
// on the named apps being live and ready themselves.
type RequireAppsPayload struct {
	Identifiers []identifier.Identifier `json:"identifiers"`
}

// ShutdownRequest is the SHUTDOWN endpoint's call payload.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ShutdownResponse is the SHUTDOWN endpoint's reply, sent before the
// process begins tearing down.
type ShutdownResponse struct {
	OK bool `json:"ok"`
}

var RequireApps = packet.NewType(serverPacket("require_apps"), packet.JSONCodec[RequireAppsPayload]{})

// RegisterServerExt registers the server-extension packet types into m.
func RegisterServerExt(m *packet.Mapper) {
	packet.Register(m, RequireApps)
}
