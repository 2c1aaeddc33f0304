package acp

import (
	"context"
	"sync"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/rpc"
	"github.com/m4xw311/acpconn/transport"
	"go.uber.org/zap"
)

// Client receives what the agent sends during a turn. SessionUpdate calls
// arrive one at a time in the order the agent sent them. RequestPermission
// may run concurrently with updates.
type Client interface {
	SessionUpdate(ctx context.Context, n *SessionNotification) error
	RequestPermission(ctx context.Context, req *RequestPermissionRequest) (*RequestPermissionResponse, error)
}

// FileSystem is implemented by clients that serve the fs methods. A Client
// implementing it advertises both fs capabilities.
type FileSystem interface {
	ReadTextFile(ctx context.Context, req *ReadTextFileRequest) (*ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, req *WriteTextFileRequest) error
}

// ClientConn is the client side of an ACP connection.
type ClientConn struct {
	conn *rpc.Conn
	opts options
	log  *logger.Logger
	caps ClientCapabilities

	mu        sync.Mutex
	state     State
	version   int
	agentCaps AgentCapabilities
	agentInfo *Implementation

	turnsMu sync.Mutex
	turns   map[string]*turnScope
}

// turnScope bounds the client-side handlers of one prompt turn. It ends when
// the turn is cancelled or its Prompt call returns.
type turnScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClientConn connects client to the agent at the other end of t. Call
// Start or Serve before Initialize.
func NewClientConn(t transport.Transport, client Client, opts ...Option) (*ClientConn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.versions.valid(); err != nil {
		return nil, err
	}
	c := &ClientConn{opts: o, log: o.log, turns: make(map[string]*turnScope)}

	reg := rpc.NewRegistry()
	if err := reg.Register(MethodSessionUpdate, rpc.BindNotification(client.SessionUpdate)); err != nil {
		return nil, err
	}
	if err := reg.Register(MethodRequestPermission, rpc.Bind(c.permissionHandler(client))); err != nil {
		return nil, err
	}
	if fs, ok := client.(FileSystem); ok {
		c.caps.Fs = FileSystemCapability{ReadTextFile: true, WriteTextFile: true}
		if err := reg.Register(MethodReadTextFile, rpc.Bind(fs.ReadTextFile)); err != nil {
			return nil, err
		}
		write := func(ctx context.Context, req *WriteTextFileRequest) (any, error) {
			return nil, fs.WriteTextFile(ctx, req)
		}
		if err := reg.Register(MethodWriteTextFile, rpc.Bind(write)); err != nil {
			return nil, err
		}
	}
	c.conn = rpc.NewConn(t, reg, rpc.WithLogger(o.log), rpc.WithName("client"))
	return c, nil
}

// Serve runs the read loop; see rpc.Conn.Serve.
func (c *ClientConn) Serve(ctx context.Context) error { return c.conn.Serve(ctx) }

// Start runs Serve in the background.
func (c *ClientConn) Start(ctx context.Context) { c.conn.Start(ctx) }

// Close ends the connection.
func (c *ClientConn) Close() error { return c.conn.Close() }

// Done is closed when the connection has ended.
func (c *ClientConn) Done() <-chan struct{} { return c.conn.Done() }

// Wait blocks until the read loop and all handlers have returned.
func (c *ClientConn) Wait() { c.conn.Wait() }

// State reports the lifecycle state.
func (c *ClientConn) State() State {
	select {
	case <-c.conn.Done():
		return StateClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentCapabilities returns what the agent advertised in initialize.
func (c *ClientConn) AgentCapabilities() AgentCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentCaps
}

// ProtocolVersion is the negotiated version, zero before Initialize.
func (c *ClientConn) ProtocolVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// AgentInfo is the agent's self-description, if it sent one.
func (c *ClientConn) AgentInfo() *Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentInfo
}

// Initialize performs the handshake. It fails with ErrVersionMismatch when
// the agent picks a version this side does not support.
func (c *ClientConn) Initialize(ctx context.Context) (*InitializeResponse, error) {
	req := InitializeRequest{
		ProtocolVersion:    c.opts.versions.Max,
		ClientCapabilities: c.caps,
		ClientInfo:         c.opts.info,
	}
	var resp InitializeResponse
	if err := c.conn.Call(ctx, MethodInitialize, req, &resp); err != nil {
		return nil, err
	}
	if err := c.opts.versions.Accept(resp.ProtocolVersion); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.state = StateInitialized
	c.version = resp.ProtocolVersion
	c.agentCaps = resp.AgentCapabilities
	c.agentInfo = resp.AgentInfo
	c.mu.Unlock()

	fields := []zap.Field{zap.Int("protocol_version", resp.ProtocolVersion)}
	if resp.AgentInfo != nil {
		fields = append(fields, zap.String("agent", resp.AgentInfo.Name), zap.String("agent_version", resp.AgentInfo.Version))
	}
	c.log.Info("agent initialized", fields...)
	return &resp, nil
}

// NewSession opens a session rooted at the absolute directory cwd.
func (c *ClientConn) NewSession(ctx context.Context, cwd string, servers []McpServer) (string, error) {
	if servers == nil {
		servers = []McpServer{}
	}
	var resp NewSessionResponse
	if err := c.conn.Call(ctx, MethodSessionNew, NewSessionRequest{Cwd: cwd, McpServers: servers}, &resp); err != nil {
		return "", err
	}
	c.sessionOpened()
	return resp.SessionID, nil
}

// LoadSession resumes a saved session. The agent replays its history
// through Client.SessionUpdate before this returns.
func (c *ClientConn) LoadSession(ctx context.Context, sessionID, cwd string, servers []McpServer) error {
	if !c.AgentCapabilities().LoadSession {
		return errors.Wrapf(ErrNoCapability, "%s", MethodSessionLoad)
	}
	if servers == nil {
		servers = []McpServer{}
	}
	req := LoadSessionRequest{SessionID: sessionID, Cwd: cwd, McpServers: servers}
	if err := c.conn.Call(ctx, MethodSessionLoad, req, nil); err != nil {
		return err
	}
	c.sessionOpened()
	return nil
}

func (c *ClientConn) sessionOpened() {
	c.mu.Lock()
	c.state = StateSessionActive
	c.mu.Unlock()
}

// Prompt runs a turn and returns its stop reason. If ctx ends first,
// session/cancel is sent once the prompt is on the wire and Prompt keeps
// waiting for the agent to wind the turn down, which normally answers
// StopCancelled. The wait is bounded by the connection: if it ends, Prompt
// returns rpc.ErrConnClosed. Permission requests of the turn still waiting
// on the Client see their context cancelled and are answered as cancelled.
func (c *ClientConn) Prompt(ctx context.Context, sessionID string, prompt []ContentBlock) (StopReason, error) {
	if scope, owned := c.beginTurn(sessionID); owned {
		defer c.endTurn(sessionID, scope)
	}

	call, err := c.conn.Send(context.WithoutCancel(ctx), MethodSessionPrompt, PromptRequest{SessionID: sessionID, Prompt: prompt})
	if err != nil {
		return "", err
	}

	type result struct {
		stop StopReason
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp PromptResponse
		err := call.Wait(context.Background(), &resp)
		done <- result{resp.StopReason, err}
	}()

	select {
	case r := <-done:
		return r.stop, r.err
	case <-ctx.Done():
	}

	c.log.WithSessionID(sessionID).Debug("prompt context ended, cancelling turn", zap.Error(ctx.Err()))
	if err := c.Cancel(context.WithoutCancel(ctx), sessionID); err != nil {
		c.log.WithSessionID(sessionID).Warn("could not send cancel", zap.Error(err))
	}
	r := <-done
	return r.stop, r.err
}

// Cancel asks the agent to stop the active turn of a session and cancels the
// client handlers still serving that turn.
func (c *ClientConn) Cancel(ctx context.Context, sessionID string) error {
	c.turnsMu.Lock()
	if scope, ok := c.turns[sessionID]; ok {
		scope.cancel()
	}
	c.turnsMu.Unlock()
	return c.conn.Notify(ctx, MethodSessionCancel, CancelNotification{SessionID: sessionID})
}

// beginTurn opens the scope of a turn. A second Prompt on a session whose
// turn is still running shares the existing scope and does not own it.
func (c *ClientConn) beginTurn(sessionID string) (*turnScope, bool) {
	c.turnsMu.Lock()
	defer c.turnsMu.Unlock()
	if scope, ok := c.turns[sessionID]; ok {
		return scope, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	scope := &turnScope{ctx: ctx, cancel: cancel}
	c.turns[sessionID] = scope
	return scope, true
}

func (c *ClientConn) endTurn(sessionID string, scope *turnScope) {
	scope.cancel()
	c.turnsMu.Lock()
	if c.turns[sessionID] == scope {
		delete(c.turns, sessionID)
	}
	c.turnsMu.Unlock()
}

func (c *ClientConn) turnContext(sessionID string) (context.Context, bool) {
	c.turnsMu.Lock()
	defer c.turnsMu.Unlock()
	scope, ok := c.turns[sessionID]
	if !ok {
		return nil, false
	}
	return scope.ctx, true
}

// permissionHandler runs client.RequestPermission under the context of the
// turn it belongs to. A request abandoned because its turn ended is answered
// with the cancelled outcome.
func (c *ClientConn) permissionHandler(client Client) func(context.Context, *RequestPermissionRequest) (*RequestPermissionResponse, error) {
	return func(ctx context.Context, req *RequestPermissionRequest) (*RequestPermissionResponse, error) {
		turnCtx, ok := c.turnContext(req.SessionID)
		if !ok {
			return client.RequestPermission(ctx, req)
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(turnCtx, cancel)
		defer stop()

		resp, err := client.RequestPermission(ctx, req)
		if turnCtx.Err() != nil && (err != nil || resp == nil) {
			c.log.WithSessionID(req.SessionID).Debug("permission request ended with its turn", zap.Error(err))
			return &RequestPermissionResponse{Outcome: Cancelled()}, nil
		}
		return resp, err
	}
}
