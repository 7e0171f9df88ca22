package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/omuhub/broker/dispatch"
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/session"
	"github.com/omuhub/broker/transport"
)

// handshake runs the CONNECT/TOKEN/READY exchange for a freshly upgraded
// connection: it reads the client's CONNECT, resolves and replies with a
// token, checks Origin against the connecting app's namespace, constructs
// the Session, and wires every extension plus the core ready-gate handler
// before returning. A nil Session with a nil error means the connection was
// rejected and already closed.
func (s *Server) handshake(ctx context.Context, r *http.Request, conn *transport.Conn) (*session.Session, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	typeKey, payload, err := conn.ReadFrame(hctx)
	if err != nil {
		s.sessionObs.Connect(observability.ConnectResultInvalidPacket)
		_ = conn.CloseWithStatus(websocket.CloseProtocolError, "invalid_packet")
		return nil, err
	}
	if typeKey != packets.Connect.Key() {
		s.sessionObs.Connect(observability.ConnectResultInvalidPacket)
		_ = conn.CloseWithStatus(websocket.ClosePolicyViolation, "invalid_packet_type")
		return nil, errors.New("server: first packet was not CONNECT")
	}
	connectMsg, err := packets.Connect.Decode(payload)
	if err != nil {
		s.sessionObs.Connect(observability.ConnectResultInvalidPacket)
		_ = conn.CloseWithStatus(websocket.ClosePolicyViolation, "invalid_packet_data")
		return nil, err
	}

	app := connectMsg.App.Identifier
	isDashboard, token, err := s.resolveToken(hctx, connectMsg)
	if err != nil {
		s.sessionObs.Connect(observability.ConnectResultInvalidToken)
		_ = conn.CloseWithStatus(websocket.ClosePolicyViolation, "invalid_token")
		return nil, err
	}

	if reject := s.checkOrigin(r, app); reject {
		s.sessionObs.Connect(observability.ConnectResultInvalidOrigin)
		_ = conn.CloseWithStatus(websocket.ClosePolicyViolation, "invalid_origin")
		return nil, errors.New("server: origin does not match app namespace")
	}

	tokenPayload, err := packets.Token.Encode(packets.TokenPayload{Token: token})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(hctx, packets.Token.Key(), tokenPayload); err != nil {
		return nil, err
	}

	d := dispatch.New(s.mapper)
	d.OnError = func(err error) {
		s.logger.Printf("server: dispatch error for %s: %v", app.Key(), err)
	}

	sess := session.New(session.Config{
		Conn:        conn,
		Mapper:      s.mapper,
		Dispatcher:  d,
		App:         app,
		Token:       token,
		IsDashboard: isDashboard,
		Observer:    s.sessionObs,
	})

	s.perms.Install(sess, d)
	s.endpoints.Install(sess, d)
	s.tables.Install(sess, d)
	s.registries.Install(sess, d)
	s.signals.Install(sess, d)
	s.dash.Install(sess, d)
	s.ext.Install(sess, d)

	dispatch.AddHandler(d, packets.Ready, func(ctx context.Context, _ packets.ReadyPayload) error {
		if err := sess.WaitForTasks(ctx); err != nil {
			if errors.Is(err, session.ErrAlreadyReady) {
				return nil
			}
			sess.Disconnect(ctx, observability.DisconnectPermissionDenied, nil)
			return err
		}
		return session.SendPacket(ctx, sess, packets.Ready, packets.ReadyPayload{})
	})

	s.sessionObs.Connect(observability.ConnectResultOK)
	return sess, nil
}

// resolveToken authenticates a CONNECT, returning whether the app claimed
// the dashboard role and the token to echo back in TOKEN. A dashboard
// client matches Config.DashboardToken exactly; every other app is
// verified (or, on first contact, bootstrapped) against the token store.
func (s *Server) resolveToken(ctx context.Context, msg packets.ConnectPayload) (isDashboard bool, token string, err error) {
	if s.cfg.DashboardToken != "" && msg.Token == s.cfg.DashboardToken {
		return true, msg.Token, nil
	}
	token, err = s.tokens.VerifyOrIssue(ctx, msg.App.Identifier.Key(), msg.Token)
	if err != nil {
		return false, "", err
	}
	return false, token, nil
}

// checkOrigin reports whether a CONNECT should be rejected for an Origin
// header that doesn't match the connecting app's namespace. When
// StrictOrigin is off, a mismatch is only logged and the connection
// proceeds, per the broker's lenient-by-default origin policy.
func (s *Server) checkOrigin(r *http.Request, app identifier.Identifier) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	got, err := identifier.FromURL(origin)
	if err != nil {
		return false
	}
	if got.Namespace() == app.Namespace() {
		return false
	}
	if s.cfg.StrictOrigin {
		return true
	}
	s.logger.Printf("server: origin %q namespace %q does not match app namespace %q", origin, got.Namespace(), app.Namespace())
	return false
}

