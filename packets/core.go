// Package packets declares the broker's wire packet catalog: the core
// handshake packets plus every extension's packet types, along with a
// RegisterAll that installs them all into a shared packet.Mapper.
package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func core(name string) identifier.Identifier {
	return identifier.MustNew("core", "packet", name)
}

// App identifies a connecting client: its address plus optional metadata.
type App struct {
	Identifier identifier.Identifier `json:"identifier"`
	Version    string                `json:"version,omitempty"`
	URL        string                `json:"url,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
}

// ConnectPayload is sent by a client opening a session.
type ConnectPayload struct {
	App   App    `json:"app"`
	Token string `json:"token,omitempty"`
}

// TokenPayload is sent by the server after a successful CONNECT.
type TokenPayload struct {
	Token string `json:"token"`
}

// ReadyPayload carries no data; its presence is the signal.
type ReadyPayload struct{}

// DisconnectPayload is sent by the server just before it closes the
// connection, naming why.
type DisconnectPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

var (
	Connect    = packet.NewType(core("connect"), packet.JSONCodec[ConnectPayload]{})
	Token      = packet.NewType(core("token"), packet.JSONCodec[TokenPayload]{})
	Ready      = packet.NewType(core("ready"), packet.JSONCodec[ReadyPayload]{})
	Disconnect = packet.NewType(core("disconnect"), packet.JSONCodec[DisconnectPayload]{})
)

// RegisterCore registers the four core handshake packet types into m.
func RegisterCore(m *packet.Mapper) {
	packet.Register(m, Connect)
	packet.Register(m, Token)
	packet.Register(m, Ready)
	packet.Register(m, Disconnect)
}
