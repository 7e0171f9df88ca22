package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func endpointPacket(name string) identifier.Identifier {
	return identifier.MustNew("ext", "endpoint", name)
}

// EndpointRegisterPayload declares the endpoints a session exposes, each
// optionally bound to a permission identifier.
type EndpointRegisterPayload struct {
	Endpoints map[string]*identifier.Identifier `json:"endpoints"`
}

// EndpointCallPayload is a request for the endpoint id, correlated by the
// caller-local key.
type EndpointCallPayload struct {
	ID   identifier.Identifier `json:"id"`
	Key  uint32                `json:"key"`
	Data []byte                `json:"data"`
}

// EndpointReceivePayload is a successful reply to a prior call.
type EndpointReceivePayload struct {
	ID   identifier.Identifier `json:"id"`
	Key  uint32                `json:"key"`
	Data []byte                `json:"data"`
}

// EndpointErrorPayload is a failed reply to a prior call.
type EndpointErrorPayload struct {
	ID    identifier.Identifier `json:"id"`
	Key   uint32                `json:"key"`
	Error string                `json:"error"`
}

var (
	EndpointRegister = packet.NewType(endpointPacket("register"), packet.JSONCodec[EndpointRegisterPayload]{})
	EndpointCall     = packet.NewType(endpointPacket("call"), packet.JSONCodec[EndpointCallPayload]{})
	EndpointReceive  = packet.NewType(endpointPacket("receive"), packet.JSONCodec[EndpointReceivePayload]{})
	EndpointError    = packet.NewType(endpointPacket("error"), packet.JSONCodec[EndpointErrorPayload]{})
)

// RegisterEndpoint registers the endpoint-extension packet types into m.
func RegisterEndpoint(m *packet.Mapper) {
	packet.Register(m, EndpointRegister)
	packet.Register(m, EndpointCall)
	packet.Register(m, EndpointReceive)
	packet.Register(m, EndpointError)
}
