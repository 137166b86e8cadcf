package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/metrics"
	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
)

func prometheusTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

type capturingHandle struct {
	tunnelID ids.TunnelId
	deviceID ids.DeviceId
	lastSeen time.Time
	frames   []*protocol.Frame
}

func (h *capturingHandle) TunnelID() ids.TunnelId { return h.tunnelID }
func (h *capturingHandle) DeviceID() ids.DeviceId { return h.deviceID }
func (h *capturingHandle) DisplayName() string    { return "ws" }
func (h *capturingHandle) Touch()                 { h.lastSeen = time.Now() }
func (h *capturingHandle) LastSeen() time.Time    { return h.lastSeen }
func (h *capturingHandle) RequestClose(string)    {}
func (h *capturingHandle) AuthorizeTunnelKey(ids.AuthKey) bool { return true }
func (h *capturingHandle) Enqueue(f *protocol.Frame) error {
	h.frames = append(h.frames, f)
	return nil
}

func TestRouter_ClientToWorkstation(t *testing.T) {
	t.Parallel()

	wsRegistry := registry.NewWorkstationRegistry()
	clientRegistry := registry.NewClientRegistry()
	ws := &capturingHandle{tunnelID: "t1", lastSeen: time.Now()}
	_ = wsRegistry.Insert(ws)

	r := New(wsRegistry, clientRegistry, metrics.New(prometheusTestRegistry()), nil)
	r.RouteClientToWorkstation("t1", "d1", "PING-APP")

	if len(ws.frames) != 1 {
		t.Fatalf("expected 1 frame delivered to workstation, got %d", len(ws.frames))
	}

	var payload protocol.MessagePayload
	if err := json.Unmarshal(ws.frames[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DeviceID != "d1" || payload.Direction != protocol.DirectionClientToWorkstation || payload.Data != "PING-APP" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRouter_WorkstationToClient(t *testing.T) {
	t.Parallel()

	wsRegistry := registry.NewWorkstationRegistry()
	clientRegistry := registry.NewClientRegistry()
	client := &capturingHandle{tunnelID: "t1", deviceID: "d1", lastSeen: time.Now()}
	clientRegistry.Insert(client)

	r := New(wsRegistry, clientRegistry, metrics.New(prometheusTestRegistry()), nil)
	r.RouteWorkstationToClient("t1", "d1", "PONG-APP")

	if len(client.frames) != 1 {
		t.Fatalf("expected 1 frame delivered to client, got %d", len(client.frames))
	}
}

func TestRouter_UnknownTargetIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	wsRegistry := registry.NewWorkstationRegistry()
	clientRegistry := registry.NewClientRegistry()
	m := metrics.New(prometheusTestRegistry())

	r := New(wsRegistry, clientRegistry, m, nil)
	r.RouteWorkstationToClient("t1", "unknown-device", "data")

	if m.DroppedFrames() != 1 {
		t.Fatalf("DroppedFrames() = %d, want 1", m.DroppedFrames())
	}
}

func TestRouter_UnknownWorkstationIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	wsRegistry := registry.NewWorkstationRegistry()
	clientRegistry := registry.NewClientRegistry()
	m := metrics.New(prometheusTestRegistry())

	r := New(wsRegistry, clientRegistry, m, nil)
	r.RouteClientToWorkstation("unknown-tunnel", "d1", "data")

	if m.DroppedFrames() != 1 {
		t.Fatalf("DroppedFrames() = %d, want 1", m.DroppedFrames())
	}
}
