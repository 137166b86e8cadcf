package registry

import (
	"sync"
	"time"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/protocol"
)

// ClientHandle is the capability-limited view of a mobile client
// session exposed to the registry, router, and liveness supervisor.
type ClientHandle interface {
	DeviceID() ids.DeviceId
	TunnelID() ids.TunnelId
	Enqueue(frame *protocol.Frame) error
	Touch()
	LastSeen() time.Time
	RequestClose(reason string)
}

// ClientRegistry maps DeviceId to a live client handle, with a
// secondary index from TunnelId to the set of clients bound to that
// tunnel (used for the workstation-removal cascade and for
// broadcast-to-all-clients control frames).
type ClientRegistry struct {
	mu       sync.Mutex
	byDevice map[ids.DeviceId]ClientHandle
	byTunnel map[ids.TunnelId]map[ids.DeviceId]ClientHandle
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byDevice: make(map[ids.DeviceId]ClientHandle),
		byTunnel: make(map[ids.TunnelId]map[ids.DeviceId]ClientHandle),
	}
}

// Insert adds h under its DeviceId. If a session is already
// registered under that DeviceId, it is evicted and returned so the
// caller can close it with reason "replaced" (spec: "two successive
// connect frames with identical device_id: the first session
// receives close{reason=replaced}; only the second appears in the
// registry").
func (r *ClientRegistry) Insert(h ClientHandle) (evicted ClientHandle, evictedOK bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device := h.DeviceID()
	if old, exists := r.byDevice[device]; exists {
		r.removeLocked(old)
		evicted, evictedOK = old, true
	}

	r.byDevice[device] = h
	tunnel := h.TunnelID()
	if r.byTunnel[tunnel] == nil {
		r.byTunnel[tunnel] = make(map[ids.DeviceId]ClientHandle)
	}
	r.byTunnel[tunnel][device] = h

	return evicted, evictedOK
}

// Remove deletes and returns the handle for id, if present.
func (r *ClientRegistry) Remove(id ids.DeviceId) (ClientHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byDevice[id]
	if ok {
		r.removeLocked(h)
	}
	return h, ok
}

// removeLocked deletes h from both indices. Caller must hold r.mu.
func (r *ClientRegistry) removeLocked(h ClientHandle) {
	delete(r.byDevice, h.DeviceID())
	if set, ok := r.byTunnel[h.TunnelID()]; ok {
		delete(set, h.DeviceID())
		if len(set) == 0 {
			delete(r.byTunnel, h.TunnelID())
		}
	}
}

// Get returns the handle for id, if present.
func (r *ClientRegistry) Get(id ids.DeviceId) (ClientHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byDevice[id]
	return h, ok
}

// ByTunnel returns every client handle currently bound to tunnel.
func (r *ClientRegistry) ByTunnel(tunnel ids.TunnelId) []ClientHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byTunnel[tunnel]
	out := make([]ClientHandle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDevice)
}

// Snapshot returns every registered handle.
func (r *ClientRegistry) Snapshot() []ClientHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClientHandle, 0, len(r.byDevice))
	for _, h := range r.byDevice {
		out = append(out, h)
	}
	return out
}

// SweepExpired returns every handle whose LastSeen is at least
// timeout in the past. As with WorkstationRegistry, it does not
// remove them; removal follows the session's own close path.
func (r *ClientRegistry) SweepExpired(now time.Time, timeout time.Duration) []ClientHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []ClientHandle
	for _, h := range r.byDevice {
		if now.Sub(h.LastSeen()) >= timeout {
			expired = append(expired, h)
		}
	}
	return expired
}
