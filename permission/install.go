package permission

import (
	"context"
	"errors"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/session"
)

func typeToJSON(t Type) packets.PermissionTypeJSON {
	return packets.PermissionTypeJSON{ID: t.ID, Level: string(t.Level), Name: t.Name, Note: t.Note}
}

// Install wires this session's permission packet handlers into d:
// PERMISSION_REGISTER adds to the registry, PERMISSION_REQUIRE installs a
// ready-gate task that blocks the session until the missing permissions are
// granted or denied.
func (m *Manager) Install(s *session.Session, d *dispatch.Dispatcher) {
	dispatch.AddHandler(d, packets.PermissionRegister, func(ctx context.Context, p packets.PermissionRegisterPayload) error {
		types := make([]Type, len(p.Permissions))
		for i, pt := range p.Permissions {
			types[i] = Type{ID: pt.ID, Level: Level(pt.Level), Name: pt.Name, Note: pt.Note}
		}
		return m.Register(s.App, s.IsDashboard, types...)
	})

	dispatch.AddHandler(d, packets.PermissionRequire, func(ctx context.Context, p packets.PermissionRequirePayload) error {
		task := m.Require(s.App, s.Token, p.Identifiers...)
		s.AddTask("permission-require", func(ctx context.Context) error {
			if err := task(ctx); err != nil {
				if errors.Is(err, ErrDenied) {
					return m.denyAndDisconnect(ctx, s, err)
				}
				return err
			}
			var types []packets.PermissionTypeJSON
			for _, id := range p.Identifiers {
				t, ok := m.Lookup(id)
				if !ok {
					continue
				}
				types = append(types, typeToJSON(t))
			}
			return session.SendPacket(ctx, s, packets.PermissionGrant, packets.PermissionGrantPayload{Permissions: types})
		})
		return nil
	})
}

// denyAndDisconnect disconnects s with PERMISSION_DENIED, sending a
// DISCONNECT packet naming the denied request first when possible.
func (m *Manager) denyAndDisconnect(ctx context.Context, s *session.Session, cause error) error {
	s.Disconnect(ctx, observability.DisconnectPermissionDenied, func(ctx context.Context) error {
		return session.SendPacket(ctx, s, packets.Disconnect, packets.DisconnectPayload{
			Reason: "PERMISSION_DENIED", Message: cause.Error(),
		})
	})
	return cause
}
