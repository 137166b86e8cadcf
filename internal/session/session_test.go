package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/tunneld/internal/protocol"
)

// fakeStream is an in-memory protocol.Stream for tests. Reads are
// served from a channel the test feeds; writes are appended to a
// slice (or, if blockWrites is set, block until unblockWrites fires).
type fakeStream struct {
	mu      sync.Mutex
	written []*protocol.Frame
	reads   chan readResult
	closed  bool

	blockWrites   chan struct{}
	unblockWrites chan struct{}
}

type readResult struct {
	frame *protocol.Frame
	err   error
}

func newFakeStream() *fakeStream {
	return &fakeStream{reads: make(chan readResult, 8)}
}

func (f *fakeStream) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	select {
	case r := <-f.reads:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) WriteFrame(ctx context.Context, frame *protocol.Frame) error {
	if f.blockWrites != nil {
		select {
		case <-f.unblockWrites:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.written = append(f.written, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) SetReadDeadline(time.Time) error { return nil }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Written() []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Frame, len(f.written))
	copy(out, f.written)
	return out
}

func testTiming() Timing {
	return Timing{
		RegistrationTimeout:    time.Second,
		OutboundQueueSize:      1,
		OutboundEnqueueTimeout: 20 * time.Millisecond,
		DrainTimeout:           100 * time.Millisecond,
		WriteFrameTimeout:      time.Second,
	}
}

func TestSession_EnqueueBackpressureDrops(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	s := New(stream, protocol.Codec{}, testTiming(), nil)

	// Fill the queue (capacity 1); nothing is draining it.
	if err := s.Enqueue(protocol.NewPingFrame()); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}

	// Second enqueue times out because the queue is full.
	err := s.Enqueue(protocol.NewPingFrame())
	if err != ErrBackpressureDropped {
		t.Fatalf("expected ErrBackpressureDropped, got %v", err)
	}
}

// TestSession_TwoSlowMarksEscalate verifies that two consecutive
// backpressure drops request a slow_peer close.
func TestSession_TwoSlowMarksEscalate(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	s := New(stream, protocol.Codec{}, testTiming(), nil)

	_ = s.Enqueue(protocol.NewPingFrame()) // fills the queue, succeeds
	_ = s.Enqueue(protocol.NewPingFrame()) // 1st slow mark (times out)
	_ = s.Enqueue(protocol.NewPingFrame()) // 2nd slow mark (times out) -> escalate

	select {
	case sig := <-s.control:
		if sig.reason != protocol.ErrorCodeSlowPeer {
			t.Fatalf("control reason = %q, want %q", sig.reason, protocol.ErrorCodeSlowPeer)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a slow_peer control signal, got none")
	}
}

func TestSession_EnqueueSucceedsBetweenDrains(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	timing := testTiming()
	timing.OutboundQueueSize = 4
	s := New(stream, protocol.Codec{}, timing, nil)

	for i := 0; i < 4; i++ {
		if err := s.Enqueue(protocol.NewPingFrame()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
}

func TestSession_RunDeliversPongOnPing(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	timing := testTiming()
	timing.OutboundQueueSize = 8
	s := New(stream, protocol.Codec{}, timing, nil)

	stream.reads <- readResult{frame: protocol.NewPingFrame()}
	stream.reads <- readResult{err: context.Canceled}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx, Handlers{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
	}

	found := false
	for _, f := range stream.Written() {
		if f.Type == protocol.TypePong {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a pong frame to have been written")
	}
	if s.State() != StateClosed {
		t.Fatalf("State() = %v, want Closed", s.State())
	}
}

func TestSession_RunHonorsControlClose(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	timing := testTiming()
	timing.OutboundQueueSize = 8
	s := New(stream, protocol.Codec{}, timing, nil)

	var drainedReason string
	h := Handlers{OnDrain: func(reason string) { drainedReason = reason }}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx, h)
		close(done)
	}()

	s.RequestClose("stale")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after RequestClose")
	}

	if drainedReason != "stale" {
		t.Fatalf("OnDrain reason = %q, want %q", drainedReason, "stale")
	}
}

// TestSession_DecodeErrorSendsProtocolErrorAndDrains verifies that a
// *protocol.ProtocolError surfaced through ReadFrame (as wsStream does
// on a malformed incoming frame) is treated as a decode failure, not a
// dead connection: it writes error.protocol back to the peer and
// drains with reason "protocol", invoking OnDecodeError exactly once.
func TestSession_DecodeErrorSendsProtocolErrorAndDrains(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	timing := testTiming()
	timing.OutboundQueueSize = 8
	s := New(stream, protocol.Codec{}, timing, nil)

	decodeErr := &protocol.ProtocolError{Code: protocol.ErrorCodeProtocol, Message: "malformed envelope"}
	stream.reads <- readResult{err: decodeErr}

	var drainedReason string
	var decodeErrorCount int
	h := Handlers{
		OnDrain:       func(reason string) { drainedReason = reason },
		OnDecodeError: func(err *protocol.ProtocolError) { decodeErrorCount++ },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx, h)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a decode error")
	}

	if drainedReason != protocol.ErrorCodeProtocol {
		t.Fatalf("OnDrain reason = %q, want %q", drainedReason, protocol.ErrorCodeProtocol)
	}
	if decodeErrorCount != 1 {
		t.Fatalf("OnDecodeError called %d times, want 1", decodeErrorCount)
	}

	found := false
	for _, f := range stream.Written() {
		if f.Type == protocol.TypeError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error frame to have been written")
	}
}
