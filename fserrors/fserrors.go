// Package fserrors provides the broker's structured error taxonomy: a
// Path/Stage/Code triple attached to an underlying error, so call sites can
// classify failures without string matching.
package fserrors

import "fmt"

// Path identifies which broker component an error occurred in.
type Path string

const (
	PathSession    Path = "session"
	PathNetwork    Path = "network"
	PathPermission Path = "permission"
	PathTable      Path = "table"
	PathRegistry   Path = "registry"
	PathSignal     Path = "signal"
	PathEndpoint   Path = "endpoint"
	PathDashboard  Path = "dashboard"
)

// Stage identifies which step of session handling failed.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageHandshake  Stage = "handshake"
	StageAuth       Stage = "auth"
	StageReady      Stage = "ready"
	StageDispatch   Stage = "dispatch"
	StagePersist    Stage = "persist"
	StageClose      Stage = "close"
)

// Code is a stable, programmatic error identifier. Codes prefixed with
// "disconnect_" correspond 1:1 to the wire disconnect-reason taxonomy
// reported to clients in a DISCONNECT packet and WS close frame.
type Code string

const (
	CodeTimeout       Code = "timeout"
	CodeCanceled      Code = "canceled"
	CodeInvalidInput  Code = "invalid_input"
	CodeNotFound      Code = "not_found"
	CodePermission    Code = "permission_denied"
	CodeAlreadyExists Code = "already_exists"

	// Disconnect reasons, mirroring the wire enum clients receive.
	CodeDisconnectShutdown           Code = "disconnect_shutdown"
	CodeDisconnectClose              Code = "disconnect_close"
	CodeDisconnectAnotherConnection  Code = "disconnect_another_connection"
	CodeDisconnectPermissionDenied   Code = "disconnect_permission_denied"
	CodeDisconnectInvalidToken       Code = "disconnect_invalid_token"
	CodeDisconnectInvalidOrigin      Code = "disconnect_invalid_origin"
	CodeDisconnectInvalidVersion     Code = "disconnect_invalid_version"
	CodeDisconnectInvalidPacket      Code = "disconnect_invalid_packet"
	CodeDisconnectInvalidPacketType  Code = "disconnect_invalid_packet_type"
	CodeDisconnectInvalidPacketData  Code = "disconnect_invalid_packet_data"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Path, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Path, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap constructs a structured Error.
func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}
