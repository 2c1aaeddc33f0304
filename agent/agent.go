package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/session"
	"github.com/m4xw311/acpconn/tools"
	"github.com/m4xw311/acpconn/tools/mcp"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ToolCommand starts a prompt line that runs a tool:
//
//	/tool <name> [json arguments]
const ToolCommand = "/tool"

// MCPConnector starts an MCP server and returns its client.
type MCPConnector func(ctx context.Context, name, command string, args, env []string) (*mcp.MCPClient, error)

// Agent is a rule-driven ACP agent. It echoes prompt text back as agent
// messages and runs the tools named by /tool lines, asking the client for
// permission first in prompt mode.
type Agent struct {
	Mode    Mode
	Toolset *config.Toolset

	cfg      *config.Config
	registry *tools.ToolRegistry
	log      *logger.Logger
	connect  MCPConnector

	mu       sync.Mutex
	shared   []*mcp.MCPClient
	sessions map[string]*sessionTools
	calls    atomic.Uint64
}

type sessionTools struct {
	registry *tools.ToolRegistry
	clients  []*mcp.MCPClient
}

var (
	_ acp.Agent       = (*Agent)(nil)
	_ acp.SessionHook = (*Agent)(nil)
)

func New(cfg *config.Config, toolset string, mode Mode, log *logger.Logger) (*Agent, error) {
	if mode != ModeAuto && mode != ModePrompt {
		return nil, errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", mode)
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("agent")

	registry := tools.NewToolRegistry(cfg, log)
	ts := cfg.GetToolset(toolset)
	if _, err := registry.GetActiveTools(ts); err != nil {
		return nil, err
	}

	return &Agent{
		Mode:     mode,
		Toolset:  ts,
		cfg:      cfg,
		registry: registry,
		log:      log,
		connect: func(ctx context.Context, name, command string, args, env []string) (*mcp.MCPClient, error) {
			return mcp.NewMCPClient(ctx, name, command, args, env, nil, log)
		},
		sessions: make(map[string]*sessionTools),
	}, nil
}

// SetMCPConnector replaces how MCP servers are started.
func (a *Agent) SetMCPConnector(c MCPConnector) { a.connect = c }

// Start connects the MCP servers listed in additional_mcp_servers. Their
// tools are offered in every session.
func (a *Agent) Start(ctx context.Context) error {
	for _, s := range a.cfg.AdditionalMCPServers {
		c, err := a.connect(ctx, s.Name, s.Command, s.Args, nil)
		if err != nil {
			a.Close()
			return err
		}
		a.mu.Lock()
		a.shared = append(a.shared, c)
		a.mu.Unlock()
		a.registry.AddMCPClient(c)
	}
	return nil
}

// Close stops every MCP server the agent started.
func (a *Agent) Close() error {
	a.mu.Lock()
	clients := a.shared
	a.shared = nil
	for id, st := range a.sessions {
		clients = append(clients, st.clients...)
		delete(a.sessions, id)
	}
	a.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SessionStarted connects the MCP servers the client named for the session.
func (a *Agent) SessionStarted(ctx context.Context, sess *session.Session, servers []acp.McpServer) error {
	var clients []*mcp.MCPClient
	for _, s := range servers {
		c, err := a.connect(ctx, s.Name, s.Command, s.Args, mcp.Env(s.Env))
		if err != nil {
			for _, started := range clients {
				started.Stop()
			}
			return err
		}
		clients = append(clients, c)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sess.ID] = &sessionTools{registry: a.registry.With(clients...), clients: clients}
	a.log.WithSessionID(sess.ID).Debug("session tools ready", zap.Int("mcp_servers", len(clients)))
	return nil
}

// SessionEnded stops the session's MCP servers.
func (a *Agent) SessionEnded(sess *session.Session) {
	a.mu.Lock()
	st, ok := a.sessions[sess.ID]
	delete(a.sessions, sess.ID)
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range st.clients {
		if err := c.Stop(); err != nil {
			a.log.WithSessionID(sess.ID).Warn("failed to stop MCP server", zap.String("server", c.Name), zap.Error(err))
		}
	}
}

func (a *Agent) activeTools(sessionID string) ([]tools.Tool, error) {
	a.mu.Lock()
	registry := a.registry
	if st, ok := a.sessions[sessionID]; ok {
		registry = st.registry
	}
	a.mu.Unlock()
	return registry.GetActiveTools(a.Toolset)
}

// Prompt handles one turn.
func (a *Agent) Prompt(ctx context.Context, turn *acp.Turn, prompt []acp.ContentBlock) (acp.StopReason, error) {
	active, err := a.activeTools(turn.SessionID())
	if err != nil {
		return "", err
	}
	available := make(map[string]tools.Tool, len(active))
	for _, t := range active {
		available[t.Name()] = t
	}

	var text strings.Builder
	flush := func() error {
		if text.Len() == 0 {
			return nil
		}
		msg := strings.TrimSuffix(text.String(), "\n")
		text.Reset()
		if strings.TrimSpace(msg) == "" {
			return nil
		}
		return turn.SendText(ctx, msg)
	}

	for _, line := range strings.Split(acp.PromptText(prompt), "\n") {
		if ctx.Err() != nil {
			return acp.StopCancelled, nil
		}
		name, args, ok := parseToolLine(line)
		if !ok {
			text.WriteString(line)
			text.WriteString("\n")
			continue
		}
		if err := flush(); err != nil {
			return "", err
		}
		stop, err := a.runTool(ctx, turn, available, name, args)
		if err != nil || stop != "" {
			return stop, err
		}
	}
	if err := flush(); err != nil {
		return "", err
	}
	return acp.StopEndTurn, nil
}

// parseToolLine splits "/tool name {...}" into the tool name and its raw
// arguments.
func parseToolLine(line string) (name, args string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), ToolCommand)
	if !found || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, " ")
	return name, strings.TrimSpace(args), true
}

// runTool executes one tool call and reports it to the client. A non-empty
// stop reason ends the turn.
func (a *Agent) runTool(ctx context.Context, turn *acp.Turn, available map[string]tools.Tool, name, rawArgs string) (acp.StopReason, error) {
	id := fmt.Sprintf("call_%d", a.calls.Add(1))
	log := a.log.WithSessionID(turn.SessionID()).WithFields(zap.String("tool", name), zap.String("tool_call_id", id))

	args := map[string]interface{}{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			if err := turn.Update(ctx, acp.ToolCallStarted(id, name, acp.ToolKindOther, rawArgs)); err != nil {
				return "", err
			}
			return "", turn.Update(ctx, acp.ToolCallFinished(id, acp.ToolCallFailed, "invalid arguments: "+err.Error()))
		}
	}

	tool, ok := available[name]
	if !ok {
		if err := turn.Update(ctx, acp.ToolCallStarted(id, name, acp.ToolKindOther, args)); err != nil {
			return "", err
		}
		return "", turn.Update(ctx, acp.ToolCallFinished(id, acp.ToolCallFailed, fmt.Sprintf("tool '%s' is not available", name)))
	}

	started := acp.ToolCallStarted(id, name, tool.Kind(), args)
	if err := turn.Update(ctx, started); err != nil {
		return "", err
	}

	if a.Mode == ModePrompt {
		ref := acp.ToolCallRef{
			ToolCallID: id,
			Title:      started.Title,
			Kind:       started.Kind,
			Status:     started.Status,
			RawInput:   started.RawInput,
		}
		outcome, err := turn.RequestPermission(ctx, ref, nil)
		if err != nil {
			return "", err
		}
		if outcome.Outcome == acp.OutcomeCancelled {
			log.Debug("permission request cancelled")
			return acp.StopCancelled, nil
		}
		if !outcome.Allowed(acp.DefaultPermissionOptions) {
			log.Debug("tool call rejected")
			return "", turn.Update(ctx, acp.ToolCallFinished(id, acp.ToolCallFailed, "permission denied"))
		}
	}

	in := acp.SessionUpdate{SessionUpdate: acp.UpdateToolCallUpdate, ToolCallID: id, Status: acp.ToolCallInProgress}
	if err := turn.Update(ctx, in); err != nil {
		return "", err
	}

	env := tools.Env{Cwd: turn.Cwd(), Files: turnFiles{turn: turn}}
	out, err := tool.Execute(tools.WithEnv(ctx, env), args)
	if ctx.Err() != nil {
		return acp.StopCancelled, nil
	}
	if err != nil {
		log.Debug("tool call failed", zap.Error(err))
		return "", turn.Update(ctx, acp.ToolCallFinished(id, acp.ToolCallFailed, err.Error()))
	}
	return "", turn.Update(ctx, acp.ToolCallFinished(id, acp.ToolCallCompleted, out))
}

// turnFiles routes tool file access through the client when it serves the
// fs methods, so tools see the editor's unsaved buffers.
type turnFiles struct {
	turn *acp.Turn
}

func (f turnFiles) ReadFile(ctx context.Context, path string) (string, error) {
	if f.turn.ClientCapabilities().Fs.ReadTextFile {
		return f.turn.ReadTextFile(ctx, path, nil, nil)
	}
	return tools.LocalFiles{}.ReadFile(ctx, path)
}

func (f turnFiles) WriteFile(ctx context.Context, path, content string) error {
	if f.turn.ClientCapabilities().Fs.WriteTextFile {
		return f.turn.WriteTextFile(ctx, path, content)
	}
	return tools.LocalFiles{}.WriteFile(ctx, path, content)
}
