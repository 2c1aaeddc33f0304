// Package rpc is the full-duplex JSON-RPC connection engine.
//
// A Conn runs one read loop over a transport. Responses are matched to
// outbound calls by id; inbound requests each run on their own goroutine so
// that a handler can itself Call the peer and wait while the read loop keeps
// going; notifications run on one ordered worker. Either side of a
// connection can therefore be mid-call on the other while answering a
// nested call from it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/transport"
	"go.uber.org/zap"
)

var (
	// ErrConnClosed fails every call still pending when the connection ends,
	// and every call attempted afterwards.
	ErrConnClosed = errors.Sentinel("rpc: connection closed")
	// ErrCancelled is returned by Call when the caller's context ends first.
	ErrCancelled = errors.Sentinel("rpc: call cancelled")
)

// Conn is one side of a JSON-RPC connection.
type Conn struct {
	t       transport.Transport
	reg     *Registry
	pending *pendingTable
	notes   *notificationQueue
	log     *logger.Logger

	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	admit          AdmitFunc
	inflight       sync.WaitGroup

	serving   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
	err       error
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithName tags the connection's log lines, e.g. "agent" or "client".
func WithName(name string) Option {
	return func(c *Conn) { c.log = c.log.WithFields(zap.String("conn", name)) }
}

// AdmitFunc sees every inbound request on the read loop, in arrival order,
// before its handler starts. The returned context is passed to the handler.
// It must not block.
type AdmitFunc func(ctx context.Context, method string, params json.RawMessage) context.Context

// WithAdmit installs fn for inbound requests.
func WithAdmit(fn AdmitFunc) Option {
	return func(c *Conn) { c.admit = fn }
}

// NewConn creates a connection over t dispatching inbound calls to reg.
// reg may be nil for a side that only makes calls.
func NewConn(t transport.Transport, reg *Registry, opts ...Option) *Conn {
	if reg == nil {
		reg = NewRegistry()
	}
	c := &Conn{
		t:        t,
		reg:      reg,
		pending:  newPendingTable(),
		notes:    newNotificationQueue(),
		log:      logger.Default().WithComponent("rpc"),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlerCtx, c.cancelHandlers = context.WithCancel(context.Background())
	return c
}

// Serve runs the read loop until the stream ends, the transport fails, ctx
// is cancelled or Close is called. The end of the stream and Close return
// nil. In every case all pending calls fail with ErrConnClosed.
func (c *Conn) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errors.New("rpc: Serve called twice")
	}
	defer close(c.loopDone)

	c.reg.seal()
	go c.notes.run(c.handleNotification)
	stop := context.AfterFunc(ctx, func() { c.shutdown(ctx.Err()) })
	defer stop()

	for {
		msg, err := c.t.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.log.Debug("peer closed the stream")
				err = nil
			case errors.Is(err, transport.ErrClosed):
				err = nil
			case ctx.Err() != nil:
				err = ctx.Err()
			default:
				c.log.Error("read loop failed", zap.Error(err))
			}
			c.shutdown(err)
			if cerr := c.Err(); cerr != nil && err == nil {
				err = cerr
			}
			return err
		}
		c.route(msg)
	}
}

// Start runs Serve on a new goroutine.
func (c *Conn) Start(ctx context.Context) {
	go func() {
		if err := c.Serve(ctx); err != nil {
			c.log.Debug("serve returned", zap.Error(err))
		}
	}()
}

func (c *Conn) route(msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if msg.ID == nil {
			c.log.Warn("peer reported an error for an unreadable frame", zap.Any("error", msg.Error))
			return
		}
		if !c.pending.resolve(*msg.ID, msg) {
			c.log.Warn("response for unknown request", zap.Stringer("id", msg.ID))
		}
	case jsonrpc.KindRequest:
		c.log.Debug("request received", zap.String("call", describe(msg.Method, msg.ID)))
		ctx := c.handlerCtx
		if c.admit != nil {
			ctx = c.admit(ctx, msg.Method, msg.Params)
		}
		c.inflight.Add(1)
		go c.handleRequest(ctx, msg)
	case jsonrpc.KindNotification:
		c.log.Debug("notification received", zap.String("method", msg.Method))
		c.notes.push(msg)
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg *jsonrpc.Message) {
	defer c.inflight.Done()

	result, rpcErr := c.reg.Dispatch(ctx, msg.Method, msg.Params)

	var resp *jsonrpc.Message
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(msg.ID, rpcErr)
	} else {
		var err error
		resp, err = jsonrpc.NewResult(msg.ID, result)
		if err != nil {
			c.log.Error("cannot encode result", zap.String("call", describe(msg.Method, msg.ID)), zap.Error(err))
			resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.Errorf(jsonrpc.CodeInternalError, "cannot encode result: %v", err))
		}
	}

	if err := c.t.WriteFrame(context.Background(), resp); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			c.log.Debug("dropping response on closed connection", zap.String("call", describe(msg.Method, msg.ID)))
			return
		}
		c.log.Warn("cannot write response", zap.String("call", describe(msg.Method, msg.ID)), zap.Error(err))
	}
}

func (c *Conn) handleNotification(msg *jsonrpc.Message) {
	_, rpcErr := c.reg.Dispatch(c.handlerCtx, msg.Method, msg.Params)
	if rpcErr == nil {
		return
	}
	if rpcErr.Code == jsonrpc.CodeMethodNotFound {
		c.log.Debug("dropping notification for unknown method", zap.String("method", msg.Method))
		return
	}
	c.log.Warn("notification handler failed", zap.String("method", msg.Method), zap.Error(rpcErr))
}

// Call sends a request and waits for its response. On success the result
// is decoded into result (which may be nil to discard it). A failed
// response is returned as *jsonrpc.Error. If ctx ends first the call fails
// with ErrCancelled; no message is sent to the peer.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	call, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	return call.Wait(ctx, result)
}

// PendingCall is a request that has been written and awaits its response.
type PendingCall struct {
	c      *Conn
	id     jsonrpc.ID
	method string
	ch     <-chan outcome
}

// Send writes a request and returns once the frame is on the transport.
// The response is collected with Wait.
func (c *Conn) Send(ctx context.Context, method string, params any) (*PendingCall, error) {
	id, ch, err := c.pending.register()
	if err != nil {
		return nil, err
	}

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		c.pending.remove(id)
		return nil, err
	}
	if err := c.t.WriteFrame(ctx, req); err != nil {
		c.pending.remove(id)
		switch {
		case ctx.Err() != nil:
			return nil, cancelled(method, ctx.Err())
		case errors.Is(err, transport.ErrClosed):
			return nil, ErrConnClosed
		default:
			return nil, errors.Wrapf(err, "send %s", method)
		}
	}
	return &PendingCall{c: c, id: id, method: method, ch: ch}, nil
}

// Wait blocks for the response and decodes it into result. If ctx ends
// first the call is abandoned and fails with ErrCancelled. Wait must be
// called at most once.
func (p *PendingCall) Wait(ctx context.Context, result any) error {
	select {
	case out := <-p.ch:
		if out.err != nil {
			return out.err
		}
		if out.msg.Error != nil {
			return out.msg.Error
		}
		if result != nil && len(out.msg.Result) > 0 {
			if err := json.Unmarshal(out.msg.Result, result); err != nil {
				return errors.Wrapf(err, "decode %s result", p.method)
			}
		}
		return nil
	case <-ctx.Done():
		p.c.pending.remove(p.id)
		return cancelled(p.method, ctx.Err())
	}
}

func cancelled(method string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrCancelled, method, cause)
}

// Notify sends a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.t.WriteFrame(ctx, msg); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrConnClosed
		}
		return errors.Wrapf(err, "notify %s", method)
	}
	return nil
}

// shutdown tears the connection down once: pending calls fail, handler
// contexts are cancelled and the transport is closed after its in-flight
// write.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		failed := c.pending.failAll(ErrConnClosed)
		c.cancelHandlers()
		c.notes.close()
		if err := c.t.Close(); err != nil {
			c.log.Debug("transport close", zap.Error(err))
		}
		close(c.done)
		c.log.Debug("connection closed", zap.Int("failed_calls", failed), zap.Error(cause))
	})
}

// Close ends the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil for a clean end of stream or
// Close. Valid after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the read loop has exited and every dispatched handler
// has returned.
func (c *Conn) Wait() {
	if c.serving.Load() {
		<-c.loopDone
		<-c.notes.stopped
	}
	c.inflight.Wait()
}

// Pending reports the number of outbound calls awaiting a response.
func (c *Conn) Pending() int { return c.pending.len() }
