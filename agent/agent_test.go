package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/tools/mcp"
	"github.com/m4xw311/acpconn/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type recordingClient struct {
	mu      sync.Mutex
	updates []acp.SessionUpdate
	asked   chan *acp.RequestPermissionRequest
	answer  func(ctx context.Context) (acp.RequestPermissionOutcome, error)
}

func newRecordingClient() *recordingClient {
	return &recordingClient{asked: make(chan *acp.RequestPermissionRequest, 16)}
}

func (c *recordingClient) SessionUpdate(ctx context.Context, n *acp.SessionNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, n.Update)
	return nil
}

func (c *recordingClient) RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error) {
	c.asked <- req
	outcome := acp.Selected("allow")
	if c.answer != nil {
		var err error
		if outcome, err = c.answer(ctx); err != nil {
			return nil, err
		}
	}
	return &acp.RequestPermissionResponse{Outcome: outcome}, nil
}

func (c *recordingClient) received() []acp.SessionUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]acp.SessionUpdate(nil), c.updates...)
}

func (c *recordingClient) waitFor(t *testing.T, n int) []acp.SessionUpdate {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.received()) >= n }, waitTimeout, 5*time.Millisecond)
	return c.received()
}

type fsClient struct {
	*recordingClient
	filesMu sync.Mutex
	files   map[string]string
}

func (c *fsClient) ReadTextFile(ctx context.Context, req *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	content, ok := c.files[req.Path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", req.Path)
	}
	return &acp.ReadTextFileResponse{Content: content}, nil
}

func (c *fsClient) WriteTextFile(ctx context.Context, req *acp.WriteTextFileRequest) error {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	c.files[req.Path] = req.Content
	return nil
}

func (c *fsClient) file(path string) (string, bool) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	content, ok := c.files[path]
	return content, ok
}

// connect serves a over an in-memory pipe and returns an initialized
// client connection.
func connect(t *testing.T, a *Agent, client acp.Client) *acp.ClientConn {
	t.Helper()
	agentReads, clientWrites := io.Pipe()
	clientReads, agentWrites := io.Pipe()
	nop := transport.WithLogger(logger.Nop())

	ac, err := acp.NewAgentConn(transport.NewStream(agentReads, agentWrites, nop), a, acp.WithLogger(logger.Nop()))
	require.NoError(t, err)
	cc, err := acp.NewClientConn(transport.NewStream(clientReads, clientWrites, nop), client, acp.WithLogger(logger.Nop()))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ac.Serve(context.Background())
	}()
	cc.Start(context.Background())
	t.Cleanup(func() {
		cc.Close()
		ac.Close()
		select {
		case <-done:
		case <-time.After(waitTimeout):
		}
	})

	_, err = cc.Initialize(context.Background())
	require.NoError(t, err)
	return cc
}

func newAgent(t *testing.T, mode Mode, mutate func(*config.Config)) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.AllowedCommands = []string{"^echo .*"}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := New(cfg, "", mode, logger.Nop())
	require.NoError(t, err)
	return a
}

func toolOutput(t *testing.T, u acp.SessionUpdate) string {
	t.Helper()
	content, err := u.ToolContent()
	require.NoError(t, err)
	require.Len(t, content, 1)
	require.NotNil(t, content[0].Content)
	return content[0].Content.Text
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, err := New(config.Default(), "", Mode("yolo"), nil)
	assert.ErrorContains(t, err, "invalid mode")

	cfg := config.Default()
	cfg.Toolsets = []config.Toolset{{Name: "default", Tools: []string{"no_such_tool"}}}
	_, err = New(cfg, "", ModeAuto, nil)
	assert.ErrorContains(t, err, "not registered")
}

func TestParseToolLine(t *testing.T) {
	tests := []struct {
		line     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{`/tool read_file {"path":"a"}`, "read_file", `{"path":"a"}`, true},
		{`  /tool execute_command   {"command":"echo hi"}  `, "execute_command", `{"command":"echo hi"}`, true},
		{"/tool list", "list", "", true},
		{"/tool", "", "", false},
		{"/toolbox read_file", "", "", false},
		{"please /tool read_file", "", "", false},
		{"hello", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := parseToolLine(tt.line)
		assert.Equal(t, tt.wantOK, ok, tt.line)
		assert.Equal(t, tt.wantName, name, tt.line)
		assert.Equal(t, tt.wantArgs, args, tt.line)
	}
}

func TestPromptEchoesText(t *testing.T) {
	client := newRecordingClient()
	cc := connect(t, newAgent(t, ModeAuto, nil), client)
	ctx := context.Background()
	id, err := cc.NewSession(ctx, "/work", nil)
	require.NoError(t, err)

	stop, err := cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock("hello\nworld")})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, stop)

	updates := client.waitFor(t, 1)
	require.Len(t, updates, 1)
	block, err := updates[0].MessageContent()
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", block.Text)
}

func TestToolCallThroughClientFileSystem(t *testing.T) {
	client := &fsClient{recordingClient: newRecordingClient(), files: map[string]string{"/work/notes.txt": "remember"}}
	cc := connect(t, newAgent(t, ModeAuto, nil), client)
	ctx := context.Background()
	id, err := cc.NewSession(ctx, "/work", nil)
	require.NoError(t, err)

	prompt := "reading\n/tool read_file {\"path\":\"notes.txt\"}\ndone"
	stop, err := cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock(prompt)})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, stop)

	updates := client.waitFor(t, 5)
	require.Len(t, updates, 5)
	assert.Equal(t, acp.UpdateAgentMessageChunk, updates[0].SessionUpdate)

	assert.Equal(t, acp.UpdateToolCall, updates[1].SessionUpdate)
	assert.Equal(t, acp.ToolKindRead, updates[1].Kind)
	assert.Equal(t, acp.ToolCallPending, updates[1].Status)
	assert.JSONEq(t, `{"path":"notes.txt"}`, string(updates[1].RawInput))

	assert.Equal(t, acp.ToolCallInProgress, updates[2].Status)
	assert.Equal(t, acp.ToolCallCompleted, updates[3].Status)
	assert.Equal(t, updates[1].ToolCallID, updates[3].ToolCallID)
	assert.Equal(t, "remember", toolOutput(t, updates[3]))

	block, err := updates[4].MessageContent()
	require.NoError(t, err)
	assert.Equal(t, "done", block.Text)

	_, err = cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock(`/tool write_file {"path":"out.txt","content":"x"}`)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		content, ok := client.file("/work/out.txt")
		return ok && content == "x"
	}, waitTimeout, 5*time.Millisecond)
}

func TestToolCallUsesLocalFilesWithoutCapability(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("local"), 0644))

	client := newRecordingClient()
	cc := connect(t, newAgent(t, ModeAuto, nil), client)
	ctx := context.Background()
	id, err := cc.NewSession(ctx, dir, nil)
	require.NoError(t, err)

	_, err = cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock("/tool read_file {\"path\":\"in.txt\"}")})
	require.NoError(t, err)
	updates := client.waitFor(t, 3)
	assert.Equal(t, acp.ToolCallCompleted, updates[2].Status)
	assert.Equal(t, "local", toolOutput(t, updates[2]))
}

func TestToolCallFailures(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		updates int
		want    string
	}{
		{"unknown tool", "/tool teleport {}", 2, "not available"},
		{"bad arguments", "/tool read_file {not json", 2, "invalid arguments"},
		{"hidden path", `/tool read_file {"path":".acpconn/sessions/x.json"}`, 3, "hidden"},
		{"command not allowed", `/tool execute_command {"command":"rm -rf /"}`, 3, "not in the list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newRecordingClient()
			cc := connect(t, newAgent(t, ModeAuto, nil), client)
			ctx := context.Background()
			id, err := cc.NewSession(ctx, t.TempDir(), nil)
			require.NoError(t, err)

			stop, err := cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock(tt.line)})
			require.NoError(t, err)
			assert.Equal(t, acp.StopEndTurn, stop)

			updates := client.waitFor(t, tt.updates)
			last := updates[len(updates)-1]
			assert.Equal(t, acp.ToolCallFailed, last.Status)
			assert.Contains(t, toolOutput(t, last), tt.want)
		})
	}
}

func TestPromptModeAsksPermission(t *testing.T) {
	client := &fsClient{recordingClient: newRecordingClient(), files: map[string]string{}}
	client.answer = func(ctx context.Context) (acp.RequestPermissionOutcome, error) {
		return acp.Selected("reject"), nil
	}
	cc := connect(t, newAgent(t, ModePrompt, nil), client)
	ctx := context.Background()
	id, err := cc.NewSession(ctx, "/work", nil)
	require.NoError(t, err)

	stop, err := cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock(`/tool write_file {"path":"a.txt","content":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, stop)

	req := <-client.asked
	assert.Equal(t, id, req.SessionID)
	assert.Equal(t, acp.ToolKindEdit, req.ToolCall.Kind)
	assert.Equal(t, acp.DefaultPermissionOptions, req.Options)

	updates := client.waitFor(t, 2)
	assert.Equal(t, acp.ToolCallFailed, updates[1].Status)
	assert.Equal(t, "permission denied", toolOutput(t, updates[1]))
	_, written := client.file("/work/a.txt")
	assert.False(t, written)

	client.answer = nil
	_, err = cc.Prompt(ctx, id, []acp.ContentBlock{acp.TextBlock(`/tool write_file {"path":"a.txt","content":"x"}`)})
	require.NoError(t, err)
	content, written := client.file("/work/a.txt")
	assert.True(t, written)
	assert.Equal(t, "x", content)
}

func TestCancelWhileAwaitingPermission(t *testing.T) {
	client := newRecordingClient()
	client.answer = func(ctx context.Context) (acp.RequestPermissionOutcome, error) {
		<-ctx.Done()
		return acp.RequestPermissionOutcome{}, ctx.Err()
	}
	cc := connect(t, newAgent(t, ModePrompt, nil), client)
	ctx := context.Background()
	id, err := cc.NewSession(ctx, t.TempDir(), nil)
	require.NoError(t, err)

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-client.asked
		cancel()
	}()

	stop, err := cc.Prompt(promptCtx, id, []acp.ContentBlock{acp.TextBlock(`/tool execute_command {"command":"echo hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, acp.StopCancelled, stop)
}

func TestSessionMCPServers(t *testing.T) {
	type started struct {
		name, command string
		args, env     []string
	}
	var mu sync.Mutex
	var calls []started

	a := newAgent(t, ModeAuto, func(cfg *config.Config) {
		cfg.AdditionalMCPServers = []config.MCPServer{{Name: "shared", Command: "shared-server"}}
	})
	a.SetMCPConnector(func(ctx context.Context, name, command string, args, env []string) (*mcp.MCPClient, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, started{name, command, args, env})
		if name == "broken" {
			return nil, fmt.Errorf("cannot start %s", command)
		}
		return &mcp.MCPClient{Name: name}, nil
	})
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	cc := connect(t, a, newRecordingClient())
	ctx := context.Background()

	servers := []acp.McpServer{{Name: "docs", Command: "docs-server", Args: []string{"--stdio"}, Env: []acp.EnvVariable{{Name: "TOKEN", Value: "t"}}}}
	id, err := cc.NewSession(ctx, "/work", servers)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, calls, 2)
	assert.Equal(t, started{"shared", "shared-server", nil, nil}, calls[0])
	assert.Equal(t, started{"docs", "docs-server", []string{"--stdio"}, []string{"TOKEN=t"}}, calls[1])
	mu.Unlock()

	a.mu.Lock()
	_, tracked := a.sessions[id]
	a.mu.Unlock()
	assert.True(t, tracked)

	_, err = cc.NewSession(ctx, "/work", []acp.McpServer{{Name: "broken", Command: "nope"}})
	assert.Error(t, err)

	cc.Close()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.sessions) == 0
	}, waitTimeout, 5*time.Millisecond)
}
