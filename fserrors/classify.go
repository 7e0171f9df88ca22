package fserrors

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
)

// ClassifyCode maps a generic session-stage error to a stable Code,
// recognizing context cancellation/timeout before falling back to the
// caller-supplied default.
func ClassifyCode(err error, fallback Code) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return fallback
	}
}

// ClassifyCloseCode maps a websocket close error's reason text to the
// broker's disconnect-reason Code taxonomy, mirroring the token strings
// sent in DISCONNECT close frames.
func ClassifyCloseCode(err error) (Code, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return "", false
	}
	switch ce.Text {
	case "shutdown":
		return CodeDisconnectShutdown, true
	case "close":
		return CodeDisconnectClose, true
	case "another_connection":
		return CodeDisconnectAnotherConnection, true
	case "permission_denied":
		return CodeDisconnectPermissionDenied, true
	case "invalid_token":
		return CodeDisconnectInvalidToken, true
	case "invalid_origin":
		return CodeDisconnectInvalidOrigin, true
	case "invalid_version":
		return CodeDisconnectInvalidVersion, true
	case "invalid_packet":
		return CodeDisconnectInvalidPacket, true
	case "invalid_packet_type":
		return CodeDisconnectInvalidPacketType, true
	case "invalid_packet_data":
		return CodeDisconnectInvalidPacketData, true
	default:
		return "", false
	}
}
