// Package liveness implements the periodic ping/pong-timeout sweeper
// that detects stale sessions in either registry and injects a close
// signal into them. It is itself a transport.Listener so it runs
// inside the same errgroup-coordinated lifecycle as the HTTP façade.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
)

// Handle is the minimal capability the supervisor needs from a
// session, satisfied by both registry.WorkstationHandle and
// registry.ClientHandle.
type Handle interface {
	LastSeen() time.Time
	Enqueue(frame *protocol.Frame) error
	RequestClose(reason string)
}

// Timing bundles the supervisor's tick interval and the two
// thresholds that govern when a session is pinged and when it is
// declared stale.
type Timing struct {
	CheckInterval time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
}

// DefaultTiming returns the built-in compiled defaults.
func DefaultTiming() Timing {
	return Timing{
		CheckInterval: 5 * time.Second,
		PingInterval:  5 * time.Second,
		PongTimeout:   10 * time.Second,
	}
}

// Supervisor runs the periodic liveness sweep over both registries.
type Supervisor struct {
	workstations *registry.WorkstationRegistry
	clients      *registry.ClientRegistry
	timing       Timing
	log          *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New returns a Supervisor bound to the given registries.
func New(workstations *registry.WorkstationRegistry, clients *registry.ClientRegistry, timing Timing, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		workstations: workstations,
		clients:      clients,
		timing:       timing,
		log:          log.With("component", "liveness"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// It implements transport.Listener.
func (s *Supervisor) Start(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(s.timing.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop signals the sweep loop to exit. It implements
// transport.Listener.
func (s *Supervisor) Stop(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

// sweep runs one tick of the two-stage liveness check against every
// session in both registries: ping sessions that are due, and close
// sessions that have missed their pong deadline. It snapshots each
// registry first so no registry lock is held while enqueueing pings
// or close signals.
func (s *Supervisor) sweep(now time.Time) {
	for _, h := range s.workstations.Snapshot() {
		s.check(now, h)
	}
	for _, h := range s.clients.Snapshot() {
		s.check(now, h)
	}
}

func (s *Supervisor) check(now time.Time, h Handle) {
	staleAt := s.timing.PingInterval + s.timing.PongTimeout
	idle := now.Sub(h.LastSeen())

	switch {
	case idle >= staleAt:
		h.RequestClose(protocol.ErrorCodeStale)
	case idle >= s.timing.PingInterval:
		// A ping shares the bounded outbound queue; if the peer is
		// genuinely stuck, the queue's own backpressure timeout
		// converts this into a slow_peer eviction instead. This
		// collapses dead TCP, a stuck peer, and a lossy network into
		// one failure mode: missed liveness.
		if err := h.Enqueue(protocol.NewPingFrame()); err != nil {
			s.log.Debug("ping enqueue did not land", "error", err)
		}
	}
}
