package protocol

import (
	"context"
	"time"
)

// Stream is the abstract framed bidirectional stream the session
// package depends on. Concrete transports (WebSocket, in principle
// QUIC) implement it; the session and router packages never import a
// transport library directly, only this interface.
type Stream interface {
	// ReadFrame blocks until a frame arrives, ctx is cancelled, or the
	// stream errs.
	ReadFrame(ctx context.Context) (*Frame, error)

	// WriteFrame writes one frame to the stream.
	WriteFrame(ctx context.Context, frame *Frame) error

	// SetReadDeadline bounds the next ReadFrame call, used to enforce
	// the handshake timeout.
	SetReadDeadline(t time.Time) error

	// Close tears down the underlying connection.
	Close() error
}
