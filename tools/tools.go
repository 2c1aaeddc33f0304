package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/tools/mcp"
	"go.uber.org/zap"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Kind() acp.ToolKind
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	tools      map[string]Tool
	mcpClients map[string]*mcp.MCPClient
	log        *logger.Logger
}

func NewToolRegistry(cfg *config.Config, log *logger.Logger) *ToolRegistry {
	if log == nil {
		log = logger.Nop()
	}
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
		log:        log,
	}

	// Register default tools
	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands, log: log})
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// AddMCPClient registers every tool the MCP server offers.
func (r *ToolRegistry) AddMCPClient(c *mcp.MCPClient) {
	r.mcpClients[c.Name] = c
	for _, t := range c.Tools() {
		if _, exists := r.tools[t.Name()]; exists {
			r.log.Warn("MCP tool shadows an existing tool", zap.String("server", c.Name), zap.String("tool", t.Name()))
		}
		r.Register(t)
	}
}

// With returns a copy of the registry that also holds the tools of clients.
// The receiver is not modified.
func (r *ToolRegistry) With(clients ...*mcp.MCPClient) *ToolRegistry {
	cp := &ToolRegistry{
		tools:      make(map[string]Tool, len(r.tools)),
		mcpClients: make(map[string]*mcp.MCPClient, len(r.mcpClients)+len(clients)),
		log:        r.log,
	}
	for name, t := range r.tools {
		cp.tools[name] = t
	}
	for name, c := range r.mcpClients {
		cp.mcpClients[name] = c
	}
	for _, c := range clients {
		cp.AddMCPClient(c)
	}
	return cp
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// GetActiveTools returns the tool instances for a given toolset. Entries of
// the form "<server>.*" select every tool of that MCP server, and
// "<server>.<tool>" selects one.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	seen := make(map[string]bool)
	add := func(t Tool) {
		if !seen[t.Name()] {
			seen[t.Name()] = true
			activeTools = append(activeTools, t)
		}
	}

	for _, toolName := range ts.Tools {
		if server, tool, ok := strings.Cut(toolName, "."); ok {
			client, found := r.mcpClients[server]
			if !found {
				// The server may only be attached to some sessions.
				r.log.Debug("toolset names an MCP server that is not connected", zap.String("server", server))
				continue
			}
			if tool == "*" {
				for _, t := range client.Tools() {
					add(t)
				}
				continue
			}
			t, found := client.GetTool(tool)
			if !found {
				return nil, fmt.Errorf("tool '%s' is not offered by MCP server '%s'", tool, server)
			}
			add(t)
			continue
		}

		if t, ok := r.GetTool(toolName); ok {
			add(t)
		} else {
			return nil, fmt.Errorf("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
	}
	return activeTools, nil
}

// Names lists the registered tool names in order.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Files reads and writes files for the file tools. Paths are absolute.
type Files interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
}

// LocalFiles uses the agent's own filesystem.
type LocalFiles struct{}

func (LocalFiles) ReadFile(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func (LocalFiles) WriteFile(ctx context.Context, path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// Env is where a tool call runs: the session's working directory and the
// file backend.
type Env struct {
	Cwd   string
	Files Files
}

type envKey struct{}

// WithEnv attaches env to ctx for the tools executed under it.
func WithEnv(ctx context.Context, env Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFrom returns the tool environment of ctx, defaulting to the process
// working directory and local files.
func EnvFrom(ctx context.Context) Env {
	env, _ := ctx.Value(envKey{}).(Env)
	if env.Cwd == "" {
		env.Cwd, _ = os.Getwd()
	}
	if env.Files == nil {
		env.Files = LocalFiles{}
	}
	return env
}

// resolve makes path absolute against cwd and returns the form glob
// patterns are matched against: relative to cwd when inside it.
func resolve(cwd, path string) (abs, match string) {
	abs = path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, path)
	}
	abs = filepath.Clean(abs)
	match = abs
	if rel, err := filepath.Rel(cwd, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		match = rel
	}
	return abs, filepath.ToSlash(match)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) (bool, error) {
	cmdParts := strings.Fields(command)
	if len(cmdParts) == 0 {
		return false, nil
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}
