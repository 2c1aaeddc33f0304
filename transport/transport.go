// Package transport moves JSON-RPC frames over byte streams.
//
// Two transports are provided: Stream, for newline-delimited frames over any
// reader/writer pair (stdio of a child process, pipes, sockets), and
// WebSocket, carrying one frame per text message.
//
// Both follow the same rules:
//   - ReadFrame skips blank lines and logs then skips malformed ones; only the
//     end of the underlying stream yields io.EOF.
//   - WriteFrame is safe for concurrent use; each frame is written and
//     flushed as one unit under a single mutex.
//   - Close waits for an in-flight write, closes both directions, and is
//     idempotent.
package transport

import (
	"context"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
)

// ErrClosed is returned by WriteFrame and ReadFrame after Close.
var ErrClosed = errors.Sentinel("transport: closed")

// Transport is the frame-level view of a connection's byte stream.
type Transport interface {
	// ReadFrame returns the next well-formed frame, or io.EOF at the end of
	// the stream. Must be called from one goroutine at a time.
	ReadFrame(ctx context.Context) (*jsonrpc.Message, error)
	// WriteFrame writes one frame. Safe for concurrent use.
	WriteFrame(ctx context.Context, m *jsonrpc.Message) error
	// Close releases the stream. Safe to call more than once.
	Close() error
}
