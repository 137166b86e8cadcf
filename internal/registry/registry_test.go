package registry

import (
	"testing"
	"time"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/protocol"
)

// fakeWorkstation is a minimal WorkstationHandle for registry tests.
type fakeWorkstation struct {
	tunnelID    ids.TunnelId
	displayName string
	lastSeen    time.Time
	closes      []string
}

func (f *fakeWorkstation) TunnelID() ids.TunnelId         { return f.tunnelID }
func (f *fakeWorkstation) DisplayName() string            { return f.displayName }
func (f *fakeWorkstation) Enqueue(*protocol.Frame) error  { return nil }
func (f *fakeWorkstation) Touch()                         { f.lastSeen = time.Now() }
func (f *fakeWorkstation) LastSeen() time.Time            { return f.lastSeen }
func (f *fakeWorkstation) RequestClose(reason string)     { f.closes = append(f.closes, reason) }
func (f *fakeWorkstation) AuthorizeTunnelKey(ids.AuthKey) bool { return true }

type fakeClient struct {
	deviceID ids.DeviceId
	tunnelID ids.TunnelId
	lastSeen time.Time
	closes   []string
}

func (f *fakeClient) DeviceID() ids.DeviceId             { return f.deviceID }
func (f *fakeClient) TunnelID() ids.TunnelId             { return f.tunnelID }
func (f *fakeClient) Enqueue(*protocol.Frame) error      { return nil }
func (f *fakeClient) Touch()                             { f.lastSeen = time.Now() }
func (f *fakeClient) LastSeen() time.Time                { return f.lastSeen }
func (f *fakeClient) RequestClose(reason string)         { f.closes = append(f.closes, reason) }

func TestWorkstationRegistry_UniqueInsert(t *testing.T) {
	t.Parallel()

	r := NewWorkstationRegistry()
	a := &fakeWorkstation{tunnelID: "t1", lastSeen: time.Now()}
	b := &fakeWorkstation{tunnelID: "t1", lastSeen: time.Now()}

	if err := r.Insert(a); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := r.Insert(b); err == nil {
		t.Fatal("expected ErrConflict on duplicate TunnelId")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestWorkstationRegistry_RemoveGet(t *testing.T) {
	t.Parallel()

	r := NewWorkstationRegistry()
	a := &fakeWorkstation{tunnelID: "t1", lastSeen: time.Now()}
	_ = r.Insert(a)

	if _, ok := r.Get("t1"); !ok {
		t.Fatal("expected to find t1")
	}

	removed, ok := r.Remove("t1")
	if !ok || removed != a {
		t.Fatal("Remove did not return the inserted handle")
	}
	if _, ok := r.Get("t1"); ok {
		t.Fatal("expected t1 to be gone after Remove")
	}
}

func TestWorkstationRegistry_SweepExpiredDoesNotRemove(t *testing.T) {
	t.Parallel()

	r := NewWorkstationRegistry()
	stale := &fakeWorkstation{tunnelID: "stale", lastSeen: time.Now().Add(-time.Hour)}
	fresh := &fakeWorkstation{tunnelID: "fresh", lastSeen: time.Now()}
	_ = r.Insert(stale)
	_ = r.Insert(fresh)

	expired := r.SweepExpired(time.Now(), 10*time.Second)
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expected only the stale handle, got %v", expired)
	}

	// SweepExpired must not have removed anything.
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (sweep must not remove)", r.Len())
	}
}

func TestClientRegistry_DuplicateDeviceIDEvictsOlder(t *testing.T) {
	t.Parallel()

	r := NewClientRegistry()
	first := &fakeClient{deviceID: "d1", tunnelID: "t1", lastSeen: time.Now()}
	second := &fakeClient{deviceID: "d1", tunnelID: "t1", lastSeen: time.Now()}

	if evicted, ok := r.Insert(first); ok || evicted != nil {
		t.Fatal("first insert should not evict anything")
	}

	evicted, ok := r.Insert(second)
	if !ok || evicted != first {
		t.Fatal("second insert with same DeviceId should evict the first")
	}

	got, ok := r.Get("d1")
	if !ok || got != second {
		t.Fatal("registry should now hold only the second session")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestClientRegistry_ByTunnel(t *testing.T) {
	t.Parallel()

	r := NewClientRegistry()
	a := &fakeClient{deviceID: "d1", tunnelID: "t1", lastSeen: time.Now()}
	b := &fakeClient{deviceID: "d2", tunnelID: "t1", lastSeen: time.Now()}
	c := &fakeClient{deviceID: "d3", tunnelID: "t2", lastSeen: time.Now()}
	r.Insert(a)
	r.Insert(b)
	r.Insert(c)

	bound := r.ByTunnel("t1")
	if len(bound) != 2 {
		t.Fatalf("ByTunnel(t1) = %d handles, want 2", len(bound))
	}

	r.Remove("d1")
	bound = r.ByTunnel("t1")
	if len(bound) != 1 || bound[0] != b {
		t.Fatalf("ByTunnel(t1) after removing d1 = %v, want just b", bound)
	}
}

func TestClientRegistry_SweepExpiredDoesNotRemove(t *testing.T) {
	t.Parallel()

	r := NewClientRegistry()
	stale := &fakeClient{deviceID: "d1", tunnelID: "t1", lastSeen: time.Now().Add(-time.Hour)}
	r.Insert(stale)

	expired := r.SweepExpired(time.Now(), 10*time.Second)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired handle, got %d", len(expired))
	}
	if r.Len() != 1 {
		t.Fatal("SweepExpired must not remove entries")
	}
}
