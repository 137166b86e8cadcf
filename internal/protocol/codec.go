package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxFrameBytes is the default ceiling on an encoded frame's
// size, per spec. It is configurable via Codec.MaxFrameBytes.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// ProtocolError reports a frame that failed to decode: an unknown
// type, missing required fields, an oversized frame, or invalid
// UTF-8. It satisfies error.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%s]: %s", e.Code, e.Message)
}

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: ErrorCodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// Codec encodes and decodes frames with a configurable size ceiling.
// The zero value uses DefaultMaxFrameBytes.
type Codec struct {
	MaxFrameBytes int
}

func (c Codec) maxFrameBytes() int {
	if c.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// Encode serializes frame to bytes. It is infallible for well-formed
// frames built via this package's constructors or typed payload
// structs.
func (c Codec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// Decode parses bytes into a Frame, validating the type tag, the
// size ceiling, and (for known payload shapes) UTF-8 string fields.
// It never panics, even on arbitrary/random input.
func (c Codec) Decode(data []byte) (*Frame, error) {
	if len(data) > c.maxFrameBytes() {
		return nil, newProtocolError("frame of %d bytes exceeds maximum of %d bytes", len(data), c.maxFrameBytes())
	}
	if !utf8.Valid(data) {
		return nil, newProtocolError("frame is not valid UTF-8")
	}

	var raw Frame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newProtocolError("malformed envelope: %v", err)
	}

	if _, ok := knownTypes[raw.Type]; !ok {
		return nil, newProtocolError("unknown frame type %q", raw.Type)
	}

	if err := validatePayload(raw.Type, raw.Payload); err != nil {
		return nil, err
	}

	return &raw, nil
}

// validatePayload unmarshals and re-validates the typed payload for
// frame types that carry required fields, returning a ProtocolError
// on missing fields or non-UTF-8 string content.
func validatePayload(t Type, payload json.RawMessage) error {
	switch t {
	case TypePing, TypePong:
		return nil

	case TypeWorkstationRegister:
		var p WorkstationRegisterPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return newProtocolError("workstation.register: %v", err)
		}
		if p.APIKey == "" || p.Name == "" || p.AuthKey == "" {
			return newProtocolError("workstation.register: missing required field")
		}
		return validUTF8Fields(p.APIKey, p.Name, p.AuthKey)

	case TypeWorkstationRegistered:
		var p WorkstationRegisteredPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return newProtocolError("workstation.registered: %v", err)
		}
		if p.TunnelID == "" {
			return newProtocolError("workstation.registered: missing tunnel_id")
		}
		return validUTF8Fields(p.TunnelID)

	case TypeConnect:
		var p ConnectPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return newProtocolError("connect: %v", err)
		}
		if p.TunnelID == "" || p.AuthKey == "" || p.DeviceID == "" {
			return newProtocolError("connect: missing required field")
		}
		return validUTF8Fields(p.TunnelID, p.AuthKey, p.DeviceID)

	case TypeConnected:
		return nil

	case TypeMessage:
		var p MessagePayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return newProtocolError("message: %v", err)
		}
		if p.Direction != DirectionClientToWorkstation && p.Direction != DirectionWorkstationToClient {
			return newProtocolError("message: invalid or missing direction %q", p.Direction)
		}
		return validUTF8Fields(p.DeviceID, p.Data)

	case TypeClose:
		var p ClosePayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return newProtocolError("close: %v", err)
		}
		return validUTF8Fields(p.Reason)

	case TypeError:
		var p ErrorPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return newProtocolError("error: %v", err)
		}
		if p.Code == "" {
			return newProtocolError("error: missing code")
		}
		return validUTF8Fields(p.Code, p.Message)

	default:
		return newProtocolError("unknown frame type %q", t)
	}
}

// strictUnmarshal rejects payloads containing fields unknown to the
// target struct, catching malformed/truncated input early.
func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validUTF8Fields(fields ...string) error {
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return newProtocolError("payload field is not valid UTF-8")
		}
	}
	return nil
}
