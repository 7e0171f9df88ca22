package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func registryPacket(name string) identifier.Identifier {
	return identifier.MustNew("ext", "registry", name)
}

// RegistryListenPayload subscribes the sending session to a registry's
// updates.
type RegistryListenPayload struct {
	ID identifier.Identifier `json:"id"`
}

// RegistryUpdatePayload sets (or, with Value nil, clears) a registry's
// value.
type RegistryUpdatePayload struct {
	ID    identifier.Identifier `json:"id"`
	Value []byte                `json:"value,omitempty"`
}

// RegistryGetPayload is the GET endpoint's request (ID only) and response
// (ID plus the current value).
type RegistryGetPayload struct {
	ID    identifier.Identifier `json:"id"`
	Value []byte                `json:"value,omitempty"`
}

var (
	RegistryListen = packet.NewType(registryPacket("listen"), packet.JSONCodec[RegistryListenPayload]{})
	RegistryUpdate = packet.NewType(registryPacket("update"), packet.JSONCodec[RegistryUpdatePayload]{})

	// RegistryGetEndpoint is an Endpoint (spec.md's ENDPOINT_CALL envelope),
	// not a standalone dispatcher packet: bound via
	// ext/endpoint.Extension.BindLocal in the composition root.
	RegistryGetEndpoint = registryPacket("get")
)

// RegisterRegistry registers the registry-extension packet types into m.
// RegistryGetEndpoint has no entry here; see its declaration.
func RegisterRegistry(m *packet.Mapper) {
	packet.Register(m, RegistryListen)
	packet.Register(m, RegistryUpdate)
}
