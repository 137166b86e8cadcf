package liveness

import (
	"testing"
	"time"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
)

type fakeHandle struct {
	tunnelID ids.TunnelId
	lastSeen time.Time
	pings    int
	closes   []string
}

func (f *fakeHandle) TunnelID() ids.TunnelId { return f.tunnelID }
func (f *fakeHandle) DisplayName() string    { return "ws" }
func (f *fakeHandle) Touch()                 { f.lastSeen = time.Now() }
func (f *fakeHandle) LastSeen() time.Time    { return f.lastSeen }
func (f *fakeHandle) RequestClose(reason string) { f.closes = append(f.closes, reason) }
func (f *fakeHandle) AuthorizeTunnelKey(ids.AuthKey) bool { return true }
func (f *fakeHandle) Enqueue(frame *protocol.Frame) error {
	if frame.Type == protocol.TypePing {
		f.pings++
	}
	return nil
}

func TestSupervisor_PingsDueSessions(t *testing.T) {
	t.Parallel()

	ws := &fakeHandle{tunnelID: "t1", lastSeen: time.Now().Add(-6 * time.Second)}
	workstations := registry.NewWorkstationRegistry()
	_ = workstations.Insert(ws)

	sup := New(workstations, registry.NewClientRegistry(), Timing{
		CheckInterval: time.Second,
		PingInterval:  5 * time.Second,
		PongTimeout:   10 * time.Second,
	}, nil)

	sup.sweep(time.Now())

	if ws.pings != 1 {
		t.Fatalf("pings = %d, want 1", ws.pings)
	}
	if len(ws.closes) != 0 {
		t.Fatalf("expected no close yet, got %v", ws.closes)
	}
}

func TestSupervisor_ClosesStaleSessions(t *testing.T) {
	t.Parallel()

	ws := &fakeHandle{tunnelID: "t1", lastSeen: time.Now().Add(-20 * time.Second)}
	workstations := registry.NewWorkstationRegistry()
	_ = workstations.Insert(ws)

	sup := New(workstations, registry.NewClientRegistry(), Timing{
		CheckInterval: time.Second,
		PingInterval:  5 * time.Second,
		PongTimeout:   10 * time.Second,
	}, nil)

	sup.sweep(time.Now())

	if len(ws.closes) != 1 || ws.closes[0] != protocol.ErrorCodeStale {
		t.Fatalf("closes = %v, want [stale]", ws.closes)
	}
}

func TestSupervisor_FreshSessionUntouched(t *testing.T) {
	t.Parallel()

	ws := &fakeHandle{tunnelID: "t1", lastSeen: time.Now()}
	workstations := registry.NewWorkstationRegistry()
	_ = workstations.Insert(ws)

	sup := New(workstations, registry.NewClientRegistry(), DefaultTiming(), nil)
	sup.sweep(time.Now())

	if ws.pings != 0 || len(ws.closes) != 0 {
		t.Fatalf("expected no action on a fresh session, got pings=%d closes=%v", ws.pings, ws.closes)
	}
}
