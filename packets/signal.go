package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func signalPacket(name string) identifier.Identifier {
	return identifier.MustNew("ext", "signal", name)
}

// SignalPermissions is the optional {all, listen, notify} permission
// triple a signal may be registered with.
type SignalPermissions struct {
	All    *identifier.Identifier `json:"all,omitempty"`
	Listen *identifier.Identifier `json:"listen,omitempty"`
	Notify *identifier.Identifier `json:"notify,omitempty"`
}

// SignalRegisterPayload declares a signal and its permission triple.
type SignalRegisterPayload struct {
	ID          identifier.Identifier `json:"id"`
	Permissions SignalPermissions     `json:"permissions"`
}

// SignalListenPayload subscribes the sending session to a signal.
type SignalListenPayload struct {
	ID identifier.Identifier `json:"id"`
}

// SignalNotifyPayload fans out a raw body to every listener of id.
type SignalNotifyPayload struct {
	ID   identifier.Identifier `json:"id"`
	Body []byte                `json:"body"`
}

var (
	SignalRegister = packet.NewType(signalPacket("register"), packet.JSONCodec[SignalRegisterPayload]{})
	SignalListen   = packet.NewType(signalPacket("listen"), packet.JSONCodec[SignalListenPayload]{})
	SignalNotify   = packet.NewType(signalPacket("notify"), packet.JSONCodec[SignalNotifyPayload]{})
)

// RegisterSignal registers the signal-extension packet types into m.
func RegisterSignal(m *packet.Mapper) {
	packet.Register(m, SignalRegister)
	packet.Register(m, SignalListen)
	packet.Register(m, SignalNotify)
}
