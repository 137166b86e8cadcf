// Package protocol implements the tagged frame envelope carried over
// an abstract bidirectional stream, and the Stream capability
// interface that the session package depends on instead of any
// concrete transport.
package protocol

import (
	"encoding/json"
)

// Type is the tag carried by every frame.
type Type string

const (
	TypeWorkstationRegister  Type = "workstation.register"
	TypeWorkstationRegistered Type = "workstation.registered"
	TypeConnect              Type = "connect"
	TypeConnected            Type = "connected"
	TypeMessage              Type = "message"
	TypePing                 Type = "ping"
	TypePong                 Type = "pong"
	TypeClose                Type = "close"
	TypeError                Type = "error"
)

// knownTypes enumerates every tag Decode accepts.
var knownTypes = map[Type]struct{}{
	TypeWorkstationRegister:   {},
	TypeWorkstationRegistered: {},
	TypeConnect:               {},
	TypeConnected:             {},
	TypeMessage:               {},
	TypePing:                  {},
	TypePong:                  {},
	TypeClose:                 {},
	TypeError:                 {},
}

// Direction tags a message frame's flow.
type Direction string

const (
	DirectionClientToWorkstation Direction = "client→ws"
	DirectionWorkstationToClient Direction = "ws→client"
)

// Frame is the wire envelope: a type tag plus an opaque payload.
// Payload is nil for ping/pong, which carry no body.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkstationRegisterPayload is the payload of a workstation.register
// frame. Field names are verbatim from the wire protocol.
type WorkstationRegisterPayload struct {
	APIKey  string `json:"api_key"`
	Name    string `json:"name"`
	AuthKey string `json:"auth_key"`
}

// WorkstationRegisteredPayload is the payload of a
// workstation.registered frame.
type WorkstationRegisteredPayload struct {
	TunnelID string `json:"tunnel_id"`
}

// ConnectPayload is the payload of a connect frame.
type ConnectPayload struct {
	TunnelID string `json:"tunnel_id"`
	AuthKey  string `json:"auth_key"`
	DeviceID string `json:"device_id"`
}

// ConnectedPayload is the (empty) payload of a connected frame.
type ConnectedPayload struct{}

// MessagePayload is the payload of a message frame. DeviceID is
// present on ws→client frames (to select the target client) and
// absent on client→ws frames (the workstation learns the sender's
// device_id from this same field when it is set on receipt).
type MessagePayload struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Direction Direction `json:"direction"`
	Data      string    `json:"data"`
}

// ClosePayload is the payload of a close frame.
type ClosePayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error kinds, per the error handling table.
const (
	ErrorCodeProtocol        = "protocol"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeStale           = "stale"
	ErrorCodeSlowPeer        = "slow_peer"
	ErrorCodePeerGone        = "peer_gone"
	ErrorCodeServerShutdown  = "server_shutdown"
	ErrorCodeInternal        = "internal"
)

// NewErrorFrame builds an error frame with the given code and
// message.
func NewErrorFrame(code, message string) *Frame {
	return mustFrame(TypeError, ErrorPayload{Code: code, Message: message})
}

// NewCloseFrame builds a close frame with the given reason.
func NewCloseFrame(reason string) *Frame {
	return mustFrame(TypeClose, ClosePayload{Reason: reason})
}

// NewPingFrame builds a ping frame.
func NewPingFrame() *Frame { return &Frame{Type: TypePing} }

// NewPongFrame builds a pong frame.
func NewPongFrame() *Frame { return &Frame{Type: TypePong} }

// mustFrame marshals payload into a Frame. It panics only if payload
// cannot be marshaled, which cannot happen for the fixed struct types
// defined in this package — encode is infallible for well-formed
// frames, per spec.
func mustFrame(t Type, payload any) *Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &Frame{Type: t, Payload: raw}
}
