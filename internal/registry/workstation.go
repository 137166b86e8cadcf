// Package registry implements the in-process routing tables:
// WorkstationRegistry (TunnelId → workstation handle) and
// ClientRegistry (DeviceId → client handle, with a secondary
// by-tunnel index). Both are read-often/write-rare maps guarded by a
// single short-held mutex; no I/O happens under either lock.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/protocol"
)

// ErrConflict is returned by WorkstationRegistry.Insert when the
// TunnelId is already present. ClientRegistry.Insert never returns it:
// a duplicate DeviceId evicts the older handle instead.
var ErrConflict = errors.New("registry: id already present")

// WorkstationHandle is the capability-limited view of a workstation
// session that the registry, router, and liveness supervisor are
// permitted to use. It exposes message delivery and liveness
// observation, never structural mutation of the session's stream.
type WorkstationHandle interface {
	TunnelID() ids.TunnelId
	DisplayName() string
	Enqueue(frame *protocol.Frame) error
	Touch()
	LastSeen() time.Time
	// RequestClose asynchronously signals the owning session to begin
	// Draining with the given reason. It never blocks.
	RequestClose(reason string)
	// AuthorizeTunnelKey reports whether presented matches this
	// workstation's tunnel auth key, in constant time. The key itself
	// is never exposed outside the owning session — this is the only
	// operation a caller (the client handshake) is permitted against
	// it.
	AuthorizeTunnelKey(presented ids.AuthKey) bool
}

// WorkstationRegistry maps TunnelId to a live workstation handle.
type WorkstationRegistry struct {
	mu  sync.Mutex
	byID map[ids.TunnelId]WorkstationHandle
}

// NewWorkstationRegistry returns an empty registry.
func NewWorkstationRegistry() *WorkstationRegistry {
	return &WorkstationRegistry{byID: make(map[ids.TunnelId]WorkstationHandle)}
}

// Insert adds h under its TunnelId. It fails with ErrConflict if the
// id is already present (invariant 1: TunnelId uniqueness).
func (r *WorkstationRegistry) Insert(h WorkstationHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.TunnelID()
	if _, exists := r.byID[id]; exists {
		return ErrConflict
	}
	r.byID[id] = h
	return nil
}

// Remove deletes and returns the handle for id, if present.
func (r *WorkstationRegistry) Remove(id ids.TunnelId) (WorkstationHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return h, ok
}

// Get returns the handle for id, if present.
func (r *WorkstationRegistry) Get(id ids.TunnelId) (WorkstationHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	return h, ok
}

// Len returns the number of registered workstations.
func (r *WorkstationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Snapshot returns every registered handle. Used by the liveness
// supervisor and graceful shutdown so that iteration (and any
// resulting I/O, like enqueueing a ping or close frame) never happens
// while the registry lock is held.
func (r *WorkstationRegistry) Snapshot() []WorkstationHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkstationHandle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	return out
}

// SweepExpired returns every handle whose LastSeen is at least
// timeout in the past, relative to now. It does not remove them from
// the registry — removal happens when the session itself closes in
// response to the resulting close signal, preserving invariant 5
// (the outbound sink stays reachable exactly while the session is
// live or draining).
func (r *WorkstationRegistry) SweepExpired(now time.Time, timeout time.Duration) []WorkstationHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []WorkstationHandle
	for _, h := range r.byID {
		if now.Sub(h.LastSeen()) >= timeout {
			expired = append(expired, h)
		}
	}
	return expired
}
