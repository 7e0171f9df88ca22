package packets

import "github.com/omuhub/broker/packet"

// RegisterAll installs the core packet catalog and every extension's
// packet types into m.
func RegisterAll(m *packet.Mapper) {
	RegisterCore(m)
	RegisterPermission(m)
	RegisterEndpoint(m)
	RegisterTable(m)
	RegisterRegistry(m)
	RegisterSignal(m)
	RegisterServerExt(m)
	RegisterDashboard(m)
}
