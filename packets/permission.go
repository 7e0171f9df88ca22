package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
)

func permissionPacket(name string) identifier.Identifier {
	return identifier.MustNew("ext", "permission", name)
}

// PermissionTypeJSON is the wire shape of a permission.Type.
type PermissionTypeJSON struct {
	ID    identifier.Identifier `json:"id"`
	Level string                `json:"level,omitempty"`
	Name  string                `json:"name,omitempty"`
	Note  string                `json:"note,omitempty"`
}

// PermissionRegisterPayload registers permission types owned by the
// sending session's app.
type PermissionRegisterPayload struct {
	Permissions []PermissionTypeJSON `json:"permissions"`
}

// PermissionRequirePayload asks the server to ensure the sending session
// holds every named permission before it becomes ready.
type PermissionRequirePayload struct {
	Identifiers []identifier.Identifier `json:"identifiers"`
}

// PermissionGrantPayload is sent to a session once its pending permission
// request has been accepted.
type PermissionGrantPayload struct {
	Permissions []PermissionTypeJSON `json:"permissions"`
}

// PermissionRequestPayload is sent to the dashboard session to ask a human
// to accept or deny a grant.
type PermissionRequestPayload struct {
	RequestID   string               `json:"request_id"`
	App         App                  `json:"app"`
	Permissions []PermissionTypeJSON `json:"permissions"`
}

// PermissionResponsePayload is sent back by the dashboard session.
type PermissionResponsePayload struct {
	RequestID string `json:"request_id"`
}

var (
	PermissionRegister = packet.NewType(permissionPacket("register"), packet.JSONCodec[PermissionRegisterPayload]{})
	PermissionRequire  = packet.NewType(permissionPacket("require"), packet.JSONCodec[PermissionRequirePayload]{})
	PermissionGrant    = packet.NewType(permissionPacket("grant"), packet.JSONCodec[PermissionGrantPayload]{})
	PermissionRequest  = packet.NewType(permissionPacket("request"), packet.JSONCodec[PermissionRequestPayload]{})
	PermissionAccept   = packet.NewType(permissionPacket("accept"), packet.JSONCodec[PermissionResponsePayload]{})
	PermissionDeny     = packet.NewType(permissionPacket("deny"), packet.JSONCodec[PermissionResponsePayload]{})
)

// RegisterPermission registers the permission-extension packet types into m.
func RegisterPermission(m *packet.Mapper) {
	packet.Register(m, PermissionRegister)
	packet.Register(m, PermissionRequire)
	packet.Register(m, PermissionGrant)
	packet.Register(m, PermissionRequest)
	packet.Register(m, PermissionAccept)
	packet.Register(m, PermissionDeny)
}
