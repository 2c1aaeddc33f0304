package acp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/rpc"
	"github.com/m4xw311/acpconn/session"
	"github.com/m4xw311/acpconn/transport"
	"go.uber.org/zap"
)

// ErrNoCapability is returned when an operation needs a capability the peer
// did not advertise during initialize.
var ErrNoCapability = errors.Sentinel("acp: capability not advertised by peer")

// Agent runs prompt turns. Prompt is called on its own goroutine for every
// session/prompt and may block; ctx is cancelled when the client sends
// session/cancel or the connection ends. An empty StopReason means
// StopEndTurn.
type Agent interface {
	Prompt(ctx context.Context, turn *Turn, prompt []ContentBlock) (StopReason, error)
}

// SessionHook is implemented by agents that hold per-session resources,
// such as the MCP servers a session was opened with.
type SessionHook interface {
	SessionStarted(ctx context.Context, sess *session.Session, servers []McpServer) error
	SessionEnded(sess *session.Session)
}

// AgentConn is the agent side of an ACP connection.
type AgentConn struct {
	conn  *rpc.Conn
	agent Agent
	hook  SessionHook
	store *session.Store
	opts  options
	log   *logger.Logger

	mu          sync.Mutex
	initialized bool
	version     int
	clientCaps  ClientCapabilities
	clientInfo  *Implementation
}

// NewAgentConn serves agent a over t. Call Serve to start.
func NewAgentConn(t transport.Transport, a Agent, opts ...Option) (*AgentConn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.versions.valid(); err != nil {
		return nil, err
	}

	c := &AgentConn{agent: a, opts: o, log: o.log}
	c.hook, _ = a.(SessionHook)

	storeOpts := []session.StoreOption{
		session.WithLogger(o.log),
		session.WithEvictHook(c.sessionEnded),
	}
	if o.sessionDir != "" {
		storeOpts = append(storeOpts, session.WithDir(o.sessionDir))
	}
	c.store = session.NewStore(storeOpts...)

	handlers := map[string]rpc.Handler{
		MethodInitialize:    rpc.Bind(c.initialize),
		MethodSessionNew:    c.ready(rpc.Bind(c.newSession)),
		MethodSessionPrompt: c.releaseTicket(c.ready(rpc.Bind(c.prompt))),
		MethodSessionCancel: c.ready(rpc.BindNotification(c.cancel)),
	}
	if c.store.Persistent() {
		handlers[MethodSessionLoad] = c.ready(rpc.Bind(c.loadSession))
	}
	reg := rpc.NewRegistry()
	for method, h := range handlers {
		if err := reg.Register(method, h); err != nil {
			return nil, err
		}
	}
	c.conn = rpc.NewConn(t, reg, rpc.WithLogger(o.log), rpc.WithName("agent"), rpc.WithAdmit(c.admit))
	return c, nil
}

// Serve runs the connection until the client goes away, ctx is cancelled or
// Close is called. Active turns are cancelled and sessions are dropped (and
// saved, when persistent) before it returns.
func (c *AgentConn) Serve(ctx context.Context) error {
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go c.store.RunReaper(reapCtx, c.opts.idleTimeout, 0)

	err := c.conn.Serve(ctx)
	stopReaper()
	if cerr := c.store.Close(); cerr != nil {
		c.log.Warn("could not save sessions on close", zap.Error(cerr))
	}
	c.conn.Wait()
	return err
}

// Close ends the connection.
func (c *AgentConn) Close() error { return c.conn.Close() }

// Done is closed when the connection has ended.
func (c *AgentConn) Done() <-chan struct{} { return c.conn.Done() }

// Sessions exposes the live sessions.
func (c *AgentConn) Sessions() *session.Store { return c.store }

// State reports the lifecycle state.
func (c *AgentConn) State() State {
	select {
	case <-c.conn.Done():
		return StateClosed
	default:
	}
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	switch {
	case !initialized:
		return StateUninitialized
	case c.store.Len() > 0:
		return StateSessionActive
	default:
		return StateInitialized
	}
}

// ClientCapabilities returns what the client advertised in initialize.
func (c *AgentConn) ClientCapabilities() ClientCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientCaps
}

// ProtocolVersion is the negotiated version, zero before initialize.
func (c *AgentConn) ProtocolVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ClientInfo is the client's self-description, if it sent one.
func (c *AgentConn) ClientInfo() *Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientInfo
}

// ready rejects a method until initialize has succeeded.
func (c *AgentConn) ready(h rpc.Handler) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		c.mu.Lock()
		initialized := c.initialized
		c.mu.Unlock()
		if !initialized {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "connection not initialized")
		}
		return h(ctx, params)
	}
}

// promptTicket ties a session/prompt to the queue slot taken for it when the
// request was read, ahead of any session/cancel that follows it.
type promptTicket struct {
	sess    *session.Session
	started atomic.Bool
}

type ticketKey struct{}

func (c *AgentConn) admit(ctx context.Context, method string, params json.RawMessage) context.Context {
	if method != MethodSessionPrompt {
		return ctx
	}
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.SessionID == "" {
		return ctx
	}
	sess, ok := c.store.QueuePrompt(req.SessionID)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, ticketKey{}, &promptTicket{sess: sess})
}

// releaseTicket gives back the queue slot of a prompt that failed before its
// turn started.
func (c *AgentConn) releaseTicket(h rpc.Handler) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		if t, ok := ctx.Value(ticketKey{}).(*promptTicket); ok {
			defer func() {
				if !t.started.Load() {
					t.sess.DropPrompt()
				}
			}()
		}
		return h(ctx, params)
	}
}

func (c *AgentConn) initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "connection already initialized")
	}
	version, err := c.opts.versions.Negotiate(req.ProtocolVersion)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("rejecting client protocol version",
			zap.Int("requested", req.ProtocolVersion),
			zap.Int("min", c.opts.versions.Min),
			zap.Int("max", c.opts.versions.Max))
		return nil, err
	}
	c.initialized = true
	c.version = version
	c.clientCaps = req.ClientCapabilities
	c.clientInfo = req.ClientInfo
	c.mu.Unlock()

	fields := []zap.Field{zap.Int("protocol_version", version), zap.Any("client_capabilities", req.ClientCapabilities)}
	if req.ClientInfo != nil {
		fields = append(fields, zap.String("client", req.ClientInfo.Name))
	}
	c.log.Info("connection initialized", fields...)

	return &InitializeResponse{
		ProtocolVersion: version,
		AgentCapabilities: AgentCapabilities{
			LoadSession:        c.store.Persistent(),
			PromptCapabilities: c.opts.promptCaps,
		},
		AgentInfo:   c.opts.info,
		AuthMethods: []AuthMethod{},
	}, nil
}

func (c *AgentConn) newSession(ctx context.Context, req *NewSessionRequest) (*NewSessionResponse, error) {
	if !filepath.IsAbs(req.Cwd) {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "cwd must be an absolute path, got %q", req.Cwd)
	}
	sess := c.store.Create(req.Cwd)
	if err := c.startSession(ctx, sess, req.McpServers); err != nil {
		return nil, err
	}
	c.log.WithSessionID(sess.ID).Info("session started", zap.String("cwd", req.Cwd), zap.Int("mcp_servers", len(req.McpServers)))
	return &NewSessionResponse{SessionID: sess.ID}, nil
}

// loadSession revives a saved session and replays its history as
// session/update notifications before answering.
func (c *AgentConn) loadSession(ctx context.Context, req *LoadSessionRequest) (any, error) {
	if !filepath.IsAbs(req.Cwd) {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "cwd must be an absolute path, got %q", req.Cwd)
	}
	_, live := c.store.Get(req.SessionID)
	sess, err := c.store.Load(req.SessionID, req.Cwd)
	if errors.Is(err, session.ErrNotFound) {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown session %q", req.SessionID)
	}
	if err != nil {
		return nil, err
	}

	history := sess.Snapshot()
	log := c.log.WithSessionID(sess.ID)
	log.Info("replaying session history", zap.Int("updates", len(history)))
	for _, update := range history {
		n := struct {
			SessionID string          `json:"sessionId"`
			Update    json.RawMessage `json:"update"`
		}{sess.ID, update}
		if err := c.conn.Notify(ctx, MethodSessionUpdate, n); err != nil {
			return nil, err
		}
	}

	if !live {
		if err := c.startSession(ctx, sess, req.McpServers); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *AgentConn) startSession(ctx context.Context, sess *session.Session, servers []McpServer) error {
	if raw, err := json.Marshal(servers); err == nil {
		sess.SetMcpServers(raw)
	}
	if c.hook != nil {
		if err := c.hook.SessionStarted(ctx, sess, servers); err != nil {
			c.store.Delete(sess.ID)
			return errors.Wrapf(err, "start session")
		}
	}
	if err := c.store.Save(sess); err != nil {
		c.log.WithSessionID(sess.ID).Warn("could not save session", zap.Error(err))
	}
	return nil
}

func (c *AgentConn) sessionEnded(sess *session.Session) {
	c.log.WithSessionID(sess.ID).Debug("session ended")
	if c.hook != nil {
		c.hook.SessionEnded(sess)
	}
}

func (c *AgentConn) prompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	sess, turnCtx, end, err := c.store.BeginTurn(ctx, req.SessionID)
	if t, ok := ctx.Value(ticketKey{}).(*promptTicket); ok && t.sess == sess {
		t.started.Store(true)
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown session %q", req.SessionID)
	case errors.Is(err, session.ErrTurnActive):
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "session %s already has an active prompt", sess.ID)
	case err != nil:
		return nil, err
	}
	defer end()

	log := c.log.WithSessionID(sess.ID)
	log.Debug("turn started", zap.Int("blocks", len(req.Prompt)))
	for _, block := range req.Prompt {
		c.record(sess, UserMessageChunk(block))
	}

	turn := &Turn{c: c, sess: sess}
	stop, err := c.agent.Prompt(turnCtx, turn, req.Prompt)
	if errors.Is(context.Cause(turnCtx), session.ErrTurnCancelled) {
		if err != nil {
			log.Debug("turn failed after cancellation", zap.Error(err))
		}
		stop, err = StopCancelled, nil
	}
	if saveErr := c.store.Save(sess); saveErr != nil {
		log.Warn("could not save session", zap.Error(saveErr))
	}
	if err != nil {
		log.Warn("turn failed", zap.Error(err))
		return nil, err
	}
	if stop == "" {
		stop = StopEndTurn
	}
	log.Debug("turn ended", zap.String("stop_reason", string(stop)))
	return &PromptResponse{StopReason: stop}, nil
}

func (c *AgentConn) cancel(ctx context.Context, n *CancelNotification) error {
	sess, ok := c.store.Get(n.SessionID)
	if !ok {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown session %q", n.SessionID)
	}
	if sess.CancelTurn() {
		c.log.WithSessionID(sess.ID).Info("turn cancelled by client")
	} else {
		c.log.WithSessionID(sess.ID).Debug("cancel with no active turn")
	}
	return nil
}

// record keeps u for session/load replay. Only persistent stores keep
// history, since nothing can load it otherwise.
func (c *AgentConn) record(sess *session.Session, u SessionUpdate) {
	if !c.store.Persistent() {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		c.log.WithSessionID(sess.ID).Warn("could not record update", zap.Error(err))
		return
	}
	sess.Record(raw)
}

// Turn is the agent's handle on one running prompt.
type Turn struct {
	c    *AgentConn
	sess *session.Session
}

func (t *Turn) SessionID() string { return t.sess.ID }

// Cwd is the session's working directory.
func (t *Turn) Cwd() string { return t.sess.Cwd }

func (t *Turn) Session() *session.Session { return t.sess }

// ClientCapabilities returns what the client advertised in initialize.
func (t *Turn) ClientCapabilities() ClientCapabilities { return t.c.ClientCapabilities() }

// Update streams u to the client and records it in the session history.
func (t *Turn) Update(ctx context.Context, u SessionUpdate) error {
	t.c.record(t.sess, u)
	return t.c.conn.Notify(ctx, MethodSessionUpdate, SessionNotification{SessionID: t.sess.ID, Update: u})
}

// SendText streams an agent message chunk.
func (t *Turn) SendText(ctx context.Context, text string) error {
	return t.Update(ctx, AgentMessageChunk(text))
}

// RequestPermission asks the client whether call may run. If ctx ends
// before the client answers, typically because the turn was cancelled, the
// outcome is Cancelled. Nil options offer DefaultPermissionOptions.
func (t *Turn) RequestPermission(ctx context.Context, call ToolCallRef, options []PermissionOption) (RequestPermissionOutcome, error) {
	if len(options) == 0 {
		options = DefaultPermissionOptions
	}
	req := RequestPermissionRequest{SessionID: t.sess.ID, ToolCall: call, Options: options}
	var resp RequestPermissionResponse
	if err := t.c.conn.Call(ctx, MethodRequestPermission, req, &resp); err != nil {
		if errors.Is(err, rpc.ErrCancelled) {
			return Cancelled(), nil
		}
		return RequestPermissionOutcome{}, err
	}
	return resp.Outcome, nil
}

// ReadTextFile reads a file through the client, which sees unsaved editor
// state. line and limit are optional and 1-based.
func (t *Turn) ReadTextFile(ctx context.Context, path string, line, limit *int) (string, error) {
	if !t.ClientCapabilities().Fs.ReadTextFile {
		return "", errors.Wrapf(ErrNoCapability, "%s", MethodReadTextFile)
	}
	req := ReadTextFileRequest{SessionID: t.sess.ID, Path: path, Line: line, Limit: limit}
	var resp ReadTextFileResponse
	if err := t.c.conn.Call(ctx, MethodReadTextFile, req, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// WriteTextFile writes a file through the client.
func (t *Turn) WriteTextFile(ctx context.Context, path, content string) error {
	if !t.ClientCapabilities().Fs.WriteTextFile {
		return errors.Wrapf(ErrNoCapability, "%s", MethodWriteTextFile)
	}
	req := WriteTextFileRequest{SessionID: t.sess.ID, Path: path, Content: content}
	return t.c.conn.Call(ctx, MethodWriteTextFile, req, nil)
}
