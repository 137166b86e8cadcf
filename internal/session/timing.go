package session

import "time"

// Timing bundles every duration/size knob the session state machine
// needs: the registration handshake deadline, the outbound queue's
// size and enqueue deadline, and the drain and per-write deadlines
// used while closing.
type Timing struct {
	RegistrationTimeout    time.Duration
	OutboundQueueSize      int
	OutboundEnqueueTimeout time.Duration
	DrainTimeout           time.Duration
	WriteFrameTimeout      time.Duration
}

// DefaultTiming returns the built-in compiled defaults, used when no
// configuration overrides them.
func DefaultTiming() Timing {
	return Timing{
		RegistrationTimeout:    10 * time.Second,
		OutboundQueueSize:      256,
		OutboundEnqueueTimeout: 250 * time.Millisecond,
		DrainTimeout:           2 * time.Second,
		WriteFrameTimeout:      5 * time.Second,
	}
}
