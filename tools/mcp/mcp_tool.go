package mcp

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*MCPTool // Map of tool name (e.g., "file_reader") to the tool instance.
	log   *logger.Logger
}

// NewMCPClient starts the MCP server subprocess and initializes the client.
// It is responsible for discovering the tools provided by the server. env
// entries have the form KEY=VALUE and are added to the agent's environment.
// The server's stderr goes to stderr when not nil.
func NewMCPClient(ctx context.Context, name, command string, args, env []string, stderr io.Writer, log *logger.Logger) (*MCPClient, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("mcp").WithFields(zap.String("server", name))

	cmd := exec.Command(command, args...)
	cmd.Stderr = stderr
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acpconn-agent", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &MCPClient{
		Name:  name,
		cmd:   cmd,
		conn:  conn,
		tools: make(map[string]*MCPTool),
		log:   log,
	}
	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			// Attempt to stop the process we just started.
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}

		for _, t := range toolList.Tools {
			client.tools[t.Name] = &MCPTool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				client:      client,
			}
		}

		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	log.Info("initialized MCP client", zap.Int("tools", len(client.tools)))
	return client, nil
}

// Env converts ACP environment variables to KEY=VALUE form.
func Env(vars []acp.EnvVariable) []string {
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		env = append(env, v.Name+"="+v.Value)
	}
	return env
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *MCPClient) GetTool(toolName string) (*MCPTool, bool) {
	tool, ok := c.tools[toolName]
	return tool, ok
}

// Tools lists the server's tools sorted by name.
func (c *MCPClient) Tools() []*MCPTool {
	list := make([]*MCPTool, 0, len(c.tools))
	for _, t := range c.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].toolName < list[j].toolName })
	return list
}

// Stop terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.log.Info("terminating MCP server")
		return c.cmd.Process.Kill()
	}
	return nil
}

// MCPTool represents a tool available from an external MCP server.
// It is designed to satisfy the `tools.Tool` interface from the parent package.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	client      *MCPClient // Reference back to the client managing the connection.
}

// Name returns the tool's short name as the server reports it.
func (t *MCPTool) Name() string {
	return t.toolName
}

// Server is the name of the MCP server offering the tool.
func (t *MCPTool) Server() string { return t.serverName }

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Kind() acp.ToolKind { return acp.ToolKindOther }

// Execute sends the command and arguments to the MCP server and returns the result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var op strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			op.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' failed: %s", t.Name(), op.String())
	}
	return op.String(), nil
}
