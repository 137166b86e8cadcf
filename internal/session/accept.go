package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/metrics"
	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
	"github.com/relaymesh/tunneld/internal/router"
)

// maxTunnelIDRetries bounds how many times a workstation registration
// retries TunnelId generation on a (vanishingly unlikely) uuid
// collision before giving up with error.internal.
const maxTunnelIDRetries = 5

// Deps bundles every collaborator a session's handshake and live loop
// need: the registries it registers into, the router it forwards
// message frames through, the process-wide registration key, and the
// ambient logger/metrics.
type Deps struct {
	Codec           protocol.Codec
	Timing          Timing
	Log             *slog.Logger
	RegistrationKey ids.AuthKey
	Workstations    *registry.WorkstationRegistry
	Clients         *registry.ClientRegistry
	Router          *router.Router
	Metrics         *metrics.Metrics
}

// Accept reads the first frame from stream within
// Timing.RegistrationTimeout and dispatches to the workstation or
// client handshake based on its type. It blocks until the session
// reaches Closed.
func Accept(ctx context.Context, stream protocol.Stream, deps Deps) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := New(stream, deps.Codec, deps.Timing, deps.Log)

	if err := stream.SetReadDeadline(time.Now().Add(deps.Timing.RegistrationTimeout)); err != nil {
		deps.Log.Warn("set read deadline failed", "error", err)
	}

	frame, err := stream.ReadFrame(ctx)
	if err != nil {
		var protoErr *protocol.ProtocolError
		if errors.As(err, &protoErr) {
			s.FailHandshake(protocol.ErrorCodeProtocol, protoErr.Error())
			return
		}
		s.FailHandshake(protocol.ErrorCodeTimeout, "registration timed out or stream closed before a frame arrived")
		return
	}

	if err := stream.SetReadDeadline(time.Time{}); err != nil {
		deps.Log.Warn("clear read deadline failed", "error", err)
	}

	switch frame.Type {
	case protocol.TypeWorkstationRegister:
		handshakeWorkstation(ctx, s, frame, deps)
	case protocol.TypeConnect:
		handshakeClient(ctx, s, frame, deps)
	default:
		s.FailHandshake(protocol.ErrorCodeProtocol, fmt.Sprintf("unexpected first frame type %q, expected workstation.register or connect", frame.Type))
	}
}

func handshakeWorkstation(ctx context.Context, s *Session, frame *protocol.Frame, deps Deps) {
	var p protocol.WorkstationRegisterPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.FailHandshake(protocol.ErrorCodeProtocol, "malformed workstation.register payload")
		return
	}

	if !ids.AuthKey(p.APIKey).SecureEqual(deps.RegistrationKey) {
		s.FailHandshake(protocol.ErrorCodeUnauthorized, "invalid registration key")
		return
	}

	tunnelKey := ids.AuthKey(p.AuthKey)
	if err := tunnelKey.Validate(ids.MinAuthKeyLen); err != nil {
		s.FailHandshake(protocol.ErrorCodeProtocol, "tunnel auth key: "+err.Error())
		return
	}

	var tunnelID ids.TunnelId
	inserted := false
	for attempt := 0; attempt < maxTunnelIDRetries; attempt++ {
		candidate := ids.NewTunnelId()
		s.setWorkstationIdentity(candidate, p.Name, tunnelKey)
		if err := deps.Workstations.Insert(s); err == nil {
			tunnelID = candidate
			inserted = true
			break
		}
	}
	if !inserted {
		deps.Metrics.IncInternalErrors()
		s.FailHandshake(protocol.ErrorCodeInternal, "failed to allocate a unique tunnel id")
		return
	}

	deps.Metrics.SetWorkstationConnections(deps.Workstations.Len())
	deps.Log.Info("workstation registered", "tunnel_id", tunnelID, "name", p.Name)

	registeredPayload, _ := json.Marshal(protocol.WorkstationRegisteredPayload{TunnelID: string(tunnelID)})
	wctx, cancel := context.WithTimeout(ctx, deps.Timing.WriteFrameTimeout)
	err := s.stream.WriteFrame(wctx, &protocol.Frame{Type: protocol.TypeWorkstationRegistered, Payload: registeredPayload})
	cancel()
	if err != nil {
		deps.Workstations.Remove(tunnelID)
		deps.Metrics.SetWorkstationConnections(deps.Workstations.Len())
		s.setState(StateClosed)
		return
	}

	h := Handlers{
		OnMessage: func(f *protocol.Frame) error {
			return handleWorkstationMessage(s, tunnelID, f, deps)
		},
		OnDecodeError: func(err *protocol.ProtocolError) {
			deps.Metrics.IncFramesDecodeErrors()
		},
		OnDrain: func(reason string) {
			deps.Workstations.Remove(tunnelID)
			deps.Metrics.SetWorkstationConnections(deps.Workstations.Len())
			deps.Metrics.IncSessionsEvicted(reason)

			for _, c := range deps.Clients.ByTunnel(tunnelID) {
				c.RequestClose(protocol.ErrorCodePeerGone)
			}
			deps.Log.Info("workstation session closed", "tunnel_id", tunnelID, "reason", reason)
		},
	}

	s.Run(ctx, h)
}

func handleWorkstationMessage(s *Session, tunnelID ids.TunnelId, f *protocol.Frame, deps Deps) error {
	var p protocol.MessagePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return err
	}
	if p.Direction != protocol.DirectionWorkstationToClient {
		return fmt.Errorf("workstation session sent a message with direction %q, want %q", p.Direction, protocol.DirectionWorkstationToClient)
	}
	if p.DeviceID == "" {
		return fmt.Errorf("workstation message missing device_id")
	}

	deps.Router.RouteWorkstationToClient(tunnelID, ids.DeviceId(p.DeviceID), p.Data)
	return nil
}

func handshakeClient(ctx context.Context, s *Session, frame *protocol.Frame, deps Deps) {
	var p protocol.ConnectPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.FailHandshake(protocol.ErrorCodeProtocol, "malformed connect payload")
		return
	}

	tunnelID := ids.TunnelId(p.TunnelID)
	ws, ok := deps.Workstations.Get(tunnelID)
	if !ok {
		s.FailHandshake(protocol.ErrorCodeUnauthorized, "unknown tunnel_id")
		return
	}
	if !ws.AuthorizeTunnelKey(ids.AuthKey(p.AuthKey)) {
		s.FailHandshake(protocol.ErrorCodeUnauthorized, "tunnel auth key mismatch")
		return
	}

	deviceID := ids.DeviceId(p.DeviceID)
	if err := deviceID.Validate(); err != nil {
		s.FailHandshake(protocol.ErrorCodeProtocol, "invalid device_id: "+err.Error())
		return
	}

	s.setClientIdentity(deviceID, tunnelID)

	if evicted, wasEvicted := deps.Clients.Insert(s); wasEvicted {
		evicted.RequestClose("replaced")
	}

	deps.Metrics.SetClientConnections(deps.Clients.Len())
	deps.Log.Info("client connected", "tunnel_id", tunnelID, "device_id", deviceID)

	connectedPayload, _ := json.Marshal(protocol.ConnectedPayload{})
	wctx, cancel := context.WithTimeout(ctx, deps.Timing.WriteFrameTimeout)
	err := s.stream.WriteFrame(wctx, &protocol.Frame{Type: protocol.TypeConnected, Payload: connectedPayload})
	cancel()
	if err != nil {
		deps.Clients.Remove(deviceID)
		deps.Metrics.SetClientConnections(deps.Clients.Len())
		s.setState(StateClosed)
		return
	}

	h := Handlers{
		OnMessage: func(f *protocol.Frame) error {
			return handleClientMessage(s, tunnelID, deviceID, f, deps)
		},
		OnDecodeError: func(err *protocol.ProtocolError) {
			deps.Metrics.IncFramesDecodeErrors()
		},
		OnDrain: func(reason string) {
			// Only remove this exact session: a "replaced" eviction
			// already re-inserted a new handle under deviceID, and we
			// must not delete that newer entry.
			if current, ok := deps.Clients.Get(deviceID); ok {
				if cs, same := current.(*Session); same && cs == s {
					deps.Clients.Remove(deviceID)
				}
			}
			deps.Metrics.SetClientConnections(deps.Clients.Len())
			deps.Metrics.IncSessionsEvicted(reason)
			deps.Log.Info("client session closed", "tunnel_id", tunnelID, "device_id", deviceID, "reason", reason)
		},
	}

	s.Run(ctx, h)
}

func handleClientMessage(s *Session, tunnelID ids.TunnelId, deviceID ids.DeviceId, f *protocol.Frame, deps Deps) error {
	var p protocol.MessagePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return err
	}
	if p.Direction != protocol.DirectionClientToWorkstation {
		return fmt.Errorf("client session sent a message with direction %q, want %q", p.Direction, protocol.DirectionClientToWorkstation)
	}

	deps.Router.RouteClientToWorkstation(tunnelID, deviceID, p.Data)
	return nil
}
