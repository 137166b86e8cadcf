// Package session implements C5: the per-connection state machine
// shared by workstation and client sessions (Handshaking → Live →
// Draining → Closed), its bounded outbound queue with
// enqueue-with-deadline backpressure, and the control channel used by
// the liveness supervisor and a closing workstation's peer_gone
// cascade to reach a running session without touching its stream
// directly.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/protocol"
)

// State is one node of the session lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrBackpressureDropped is returned by Enqueue when the outbound
	// queue was full for the whole enqueue deadline; the frame was
	// dropped and the session was marked slow.
	ErrBackpressureDropped = errors.New("session: outbound queue full, frame dropped")
	// ErrSessionClosed is returned by Enqueue once the session has
	// begun closing.
	ErrSessionClosed = errors.New("session: closed")
)

// writerGrace bounds how much longer drainAndClose waits for the
// writer goroutine beyond the configured DrainTimeout, to absorb the
// final in-flight WriteFrame call's own timeout.
const writerGrace = 500 * time.Millisecond

type controlSignal struct {
	reason string
}

// Handlers are the role-specific hooks a session invokes during its
// lifecycle. Workstation and client sessions supply different
// closures; the state machine itself is role-agnostic.
type Handlers struct {
	// OnMessage is called for every inbound "message" frame while
	// Live. Returning an error is treated as a protocol violation:
	// the session sends error.protocol and begins Draining.
	OnMessage func(frame *protocol.Frame) error
	// OnDrain is called exactly once, when the session enters
	// Draining, with the reason that triggered it. It is responsible
	// for registry removal and any cascade (e.g. a workstation
	// closing its bound clients).
	OnDrain func(reason string)
	// OnDecodeError is called when the inbound stream yields a
	// malformed frame (as opposed to a genuine I/O failure). Callers
	// use it to track decode-failure counts separately from
	// transport-level disconnects.
	OnDecodeError func(err *protocol.ProtocolError)
}

// Session is the common skeleton shared by workstation and client
// sessions. It implements both registry.WorkstationHandle and
// registry.ClientHandle; which identity fields are populated depends
// on which handshake succeeded.
type Session struct {
	stream protocol.Stream
	codec  protocol.Codec
	timing Timing
	log    *slog.Logger

	mu          sync.Mutex
	state       State
	slowCount   int
	tunnelID    ids.TunnelId
	deviceID    ids.DeviceId
	displayName string
	tunnelKey   ids.AuthKey

	lastSeenNano atomic.Int64

	outbound   chan *protocol.Frame
	control    chan controlSignal
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// New constructs a Session around stream, in state Handshaking. The
// caller is responsible for running the handshake and then calling
// Run to enter the Live/Draining/Closed lifecycle.
func New(stream protocol.Stream, codec protocol.Codec, timing Timing, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		stream:     stream,
		codec:      codec,
		timing:     timing,
		log:        log,
		state:      StateHandshaking,
		outbound:   make(chan *protocol.Frame, timing.OutboundQueueSize),
		control:    make(chan controlSignal, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.Touch()
	return s
}

// Touch refreshes last-seen to now. Called on every inbound frame
// (including pong) and once at construction.
func (s *Session) Touch() {
	s.lastSeenNano.Store(time.Now().UnixNano())
}

// LastSeen returns the last time Touch was called.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeenNano.Load())
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TunnelID returns the bound TunnelId (workstation: its own; client:
// the tunnel it is bound to). Empty before a successful handshake.
func (s *Session) TunnelID() ids.TunnelId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnelID
}

// DeviceID returns the client's DeviceId. Empty for workstation
// sessions.
func (s *Session) DeviceID() ids.DeviceId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// DisplayName returns the workstation's registered display name.
// Empty for client sessions.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// AuthorizeTunnelKey reports whether presented matches this
// workstation's tunnel auth key, in constant time. It is the only way
// the stored key is ever used; it is never returned to a caller.
func (s *Session) AuthorizeTunnelKey(presented ids.AuthKey) bool {
	s.mu.Lock()
	key := s.tunnelKey
	s.mu.Unlock()
	return key.SecureEqual(presented)
}

// setWorkstationIdentity records the identity established by a
// successful workstation.register handshake.
func (s *Session) setWorkstationIdentity(tunnelID ids.TunnelId, displayName string, tunnelKey ids.AuthKey) {
	s.mu.Lock()
	s.tunnelID = tunnelID
	s.displayName = displayName
	s.tunnelKey = tunnelKey
	s.mu.Unlock()
}

// setClientIdentity records the identity established by a successful
// connect handshake.
func (s *Session) setClientIdentity(deviceID ids.DeviceId, tunnelID ids.TunnelId) {
	s.mu.Lock()
	s.deviceID = deviceID
	s.tunnelID = tunnelID
	s.mu.Unlock()
}

// Enqueue applies the bounded-queue enqueue-with-deadline discipline:
// it blocks the caller up to timing.OutboundEnqueueTimeout, then drops
// the frame and marks the session slow. Two consecutive slow marks
// escalate the session to Draining with reason slow_peer.
func (s *Session) Enqueue(frame *protocol.Frame) error {
	timer := time.NewTimer(s.timing.OutboundEnqueueTimeout)
	defer timer.Stop()

	select {
	case s.outbound <- frame:
		s.resetSlow()
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		s.markSlow()
		return ErrBackpressureDropped
	}
}

func (s *Session) resetSlow() {
	s.mu.Lock()
	s.slowCount = 0
	s.mu.Unlock()
}

func (s *Session) markSlow() {
	s.mu.Lock()
	s.slowCount++
	escalate := s.slowCount >= 2
	s.mu.Unlock()

	if escalate {
		s.RequestClose(protocol.ErrorCodeSlowPeer)
	}
}

// RequestClose asynchronously asks the session to begin Draining with
// the given reason. It best-effort enqueues a close frame (dropped
// silently if the outbound queue is itself the problem, e.g.
// slow_peer) and signals the control channel; it never blocks and is
// safe to call from any goroutine, including the liveness supervisor
// and a closing workstation's peer_gone cascade.
func (s *Session) RequestClose(reason string) {
	select {
	case s.outbound <- protocol.NewCloseFrame(reason):
	default:
	}

	select {
	case s.control <- controlSignal{reason: reason}:
	default:
		// a close is already pending
	}
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Run drives the session through Live → Draining → Closed. The
// handshake must already have succeeded and identity already set
// before calling Run.
func (s *Session) Run(ctx context.Context, h Handlers) {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	inbound := make(chan inboundResult, 1)
	go s.readerLoop(readCtx, inbound)
	go s.writerLoop(ctx)

	s.setState(StateLive)
	reason := s.liveLoop(inbound, h)

	cancelRead()
	s.drainAndClose(h, reason)
}

type inboundResult struct {
	frame *protocol.Frame
	err   error
}

func (s *Session) readerLoop(ctx context.Context, out chan<- inboundResult) {
	for {
		frame, err := s.stream.ReadFrame(ctx)
		select {
		case out <- inboundResult{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) writerLoop(ctx context.Context) {
	defer close(s.writerDone)

	for {
		select {
		case f := <-s.outbound:
			s.writeFrame(ctx, f)
		case <-s.done:
			s.drainRemaining(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainRemaining flushes whatever is left in the outbound queue,
// bounded by timing.DrainTimeout, once the session has begun closing.
func (s *Session) drainRemaining(ctx context.Context) {
	deadline := time.NewTimer(s.timing.DrainTimeout)
	defer deadline.Stop()

	for {
		select {
		case f := <-s.outbound:
			s.writeFrame(ctx, f)
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) writeFrame(ctx context.Context, f *protocol.Frame) {
	wctx, cancel := context.WithTimeout(ctx, s.timing.WriteFrameTimeout)
	defer cancel()
	if err := s.stream.WriteFrame(wctx, f); err != nil {
		s.log.Debug("write frame failed", "error", err, "type", f.Type)
	}
}

// liveLoop processes inbound frames and control signals while Live,
// returning the reason Draining was entered.
func (s *Session) liveLoop(inbound <-chan inboundResult, h Handlers) string {
	for {
		select {
		case res := <-inbound:
			if res.err != nil {
				var protoErr *protocol.ProtocolError
				if errors.As(res.err, &protoErr) {
					if h.OnDecodeError != nil {
						h.OnDecodeError(protoErr)
					}
					_ = s.Enqueue(protocol.NewErrorFrame(protocol.ErrorCodeProtocol, protoErr.Error()))
					return protocol.ErrorCodeProtocol
				}
				return "stream_error"
			}

			s.Touch()

			switch res.frame.Type {
			case protocol.TypePing:
				_ = s.Enqueue(protocol.NewPongFrame())

			case protocol.TypePong:
				// Touch already refreshed last_seen above.

			case protocol.TypeMessage:
				if h.OnMessage != nil {
					if err := h.OnMessage(res.frame); err != nil {
						_ = s.Enqueue(protocol.NewErrorFrame(protocol.ErrorCodeProtocol, err.Error()))
						return protocol.ErrorCodeProtocol
					}
				}

			case protocol.TypeClose:
				return "peer_close"

			default:
				_ = s.Enqueue(protocol.NewErrorFrame(protocol.ErrorCodeProtocol, "unexpected frame type while live: "+string(res.frame.Type)))
				return protocol.ErrorCodeProtocol
			}

		case sig := <-s.control:
			return sig.reason
		}
	}
}

// drainAndClose runs OnDrain, waits for the writer goroutine to flush
// (bounded), then closes the underlying stream.
func (s *Session) drainAndClose(h Handlers, reason string) {
	s.setState(StateDraining)
	if h.OnDrain != nil {
		h.OnDrain(reason)
	}

	s.markClosed()

	select {
	case <-s.writerDone:
	case <-time.After(s.timing.DrainTimeout + writerGrace):
	}

	_ = s.stream.Close()
	s.setState(StateClosed)
}

// FailHandshake writes an error frame directly (the writer goroutine
// is not running yet) and tears down the stream. Used when the
// handshake itself fails: bad registration key, unknown tunnel,
// mismatched tunnel key, malformed first frame, or handshake timeout.
func (s *Session) FailHandshake(code, message string) {
	wctx, cancel := context.WithTimeout(context.Background(), s.timing.WriteFrameTimeout)
	defer cancel()
	_ = s.stream.WriteFrame(wctx, protocol.NewErrorFrame(code, message))
	_ = s.stream.Close()
	s.setState(StateClosed)
}
