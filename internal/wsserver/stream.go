package wsserver

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaymesh/tunneld/internal/protocol"
)

// wsStream adapts a *websocket.Conn to protocol.Stream. Frames travel
// as text messages; the JSON envelope is encoded/decoded through the
// same protocol.Codec the session package already validates against.
//
// gorilla/websocket permits one concurrent reader and one concurrent
// writer; the session package upholds both halves of that contract
// itself (a single readerLoop goroutine, a single writerLoop
// goroutine), so wsStream adds no locking of its own.
type wsStream struct {
	conn  *websocket.Conn
	codec protocol.Codec
}

func newWSStream(conn *websocket.Conn, codec protocol.Codec) *wsStream {
	return &wsStream{conn: conn, codec: codec}
}

type readOutcome struct {
	frame *protocol.Frame
	err   error
}

// ReadFrame blocks on the underlying connection's ReadMessage in a
// background goroutine and races it against ctx. gorilla/websocket has
// no context-aware read, so cancellation is implemented by forcing an
// immediate read deadline, which unblocks ReadMessage with a timeout
// error; the goroutine's eventual result is drained and discarded so
// it cannot leak.
func (w *wsStream) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	ch := make(chan readOutcome, 1)

	go func() {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			ch <- readOutcome{err: err}
			return
		}
		if messageType != websocket.TextMessage {
			ch <- readOutcome{err: fmt.Errorf("wsserver: unexpected websocket message type %d", messageType)}
			return
		}
		frame, err := w.codec.Decode(data)
		ch <- readOutcome{frame: frame, err: err}
	}()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		_ = w.conn.SetReadDeadline(time.Now())
		<-ch
		return nil, ctx.Err()
	}
}

func (w *wsStream) WriteFrame(ctx context.Context, frame *protocol.Frame) error {
	data, err := w.codec.Encode(frame)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsStream) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}
