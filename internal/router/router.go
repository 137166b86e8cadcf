// Package router implements C6: direct frame forwarding between a
// mobile client session and its bound workstation session.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/metrics"
	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
)

// Router forwards message frames between the client and workstation
// registries. It holds no session state of its own; it is a pure
// lookup-and-enqueue component.
type Router struct {
	workstations *registry.WorkstationRegistry
	clients      *registry.ClientRegistry
	metrics      *metrics.Metrics
	log          *slog.Logger
}

// New returns a Router bound to the given registries.
func New(workstations *registry.WorkstationRegistry, clients *registry.ClientRegistry, m *metrics.Metrics, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		workstations: workstations,
		clients:      clients,
		metrics:      m,
		log:          log.With("component", "router"),
	}
}

// RouteClientToWorkstation forwards data from a client bound to
// tunnelID, tagging the outbound frame with the sender's deviceID so
// the workstation can address a reply. If the workstation is not
// registered (already disconnected), the frame is silently dropped
// and the drop counter incremented; no error reaches the client.
func (r *Router) RouteClientToWorkstation(tunnelID ids.TunnelId, senderDeviceID ids.DeviceId, data string) {
	ws, ok := r.workstations.Get(tunnelID)
	if !ok {
		r.drop("client→ws", string(tunnelID), string(senderDeviceID))
		return
	}

	frame := messageFrame(string(senderDeviceID), protocol.DirectionClientToWorkstation, data)
	if err := ws.Enqueue(frame); err != nil {
		r.log.Warn("enqueue to workstation failed", "tunnel_id", tunnelID, "error", err)
	}
}

// RouteWorkstationToClient forwards data from the workstation bound
// to tunnelID to the client identified by targetDeviceID. Per spec
// §9 Open Question (a), an unknown or disconnected target is a
// silent drop with a counter, not an error surfaced to the
// workstation — this avoids coupling a mobile device's lifetime to
// the workstation's correctness.
func (r *Router) RouteWorkstationToClient(tunnelID ids.TunnelId, targetDeviceID ids.DeviceId, data string) {
	client, ok := r.clients.Get(targetDeviceID)
	if !ok || client.TunnelID() != tunnelID {
		r.drop("ws→client", string(tunnelID), string(targetDeviceID))
		return
	}

	frame := messageFrame(string(targetDeviceID), protocol.DirectionWorkstationToClient, data)
	if err := client.Enqueue(frame); err != nil {
		r.log.Warn("enqueue to client failed", "device_id", targetDeviceID, "error", err)
	}
}

func (r *Router) drop(direction, tunnelID, target string) {
	r.metrics.IncRouterDropped()
	r.log.Debug("dropped frame: target not found", "direction", direction, "tunnel_id", tunnelID, "target", target)
}

func messageFrame(deviceID string, direction protocol.Direction, data string) *protocol.Frame {
	payload, err := json.Marshal(protocol.MessagePayload{DeviceID: deviceID, Direction: direction, Data: data})
	if err != nil {
		// MessagePayload's fields are all strings; marshaling cannot fail.
		panic(err)
	}
	return &protocol.Frame{Type: protocol.TypeMessage, Payload: payload}
}
