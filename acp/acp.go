package acp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/acpconn/errors"
)

// Protocol method names.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// Implementation names a client or agent program.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ---- initialize ----

type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type ClientCapabilities struct {
	Fs FileSystemCapability `json:"fs"`
}

type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
}

type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

// ---- sessions ----

type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// McpServer is an MCP server the client asks the agent to connect to for a
// session, launched over stdio.
type McpServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []EnvVariable `json:"env"`
}

type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type LoadSessionRequest struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// ---- prompts ----

// ContentBlock is a piece of prompt or message content. Only the fields of
// its Type are set.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image, audio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// resource_link
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// StopReason tells the client why a turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

type PromptResponse struct {
	StopReason StopReason `json:"stopReason"`
}

type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// PromptText joins the text of a prompt. Resource links are summarized
// since their content is not inlined.
func PromptText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			info := fmt.Sprintf("[resource %s: %s]", b.Name, b.URI)
			if b.Title != "" {
				info = fmt.Sprintf("[resource %s (%s): %s]", b.Name, b.Title, b.URI)
			}
			parts = append(parts, info)
		}
	}
	return strings.Join(parts, "\n")
}

// ---- session/update ----

// UpdateKind is the discriminator of a SessionUpdate.
type UpdateKind string

const (
	UpdateUserMessageChunk  UpdateKind = "user_message_chunk"
	UpdateAgentMessageChunk UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateKind = "agent_thought_chunk"
	UpdateToolCall          UpdateKind = "tool_call"
	UpdateToolCallUpdate    UpdateKind = "tool_call_update"
)

type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindExecute ToolKind = "execute"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindOther   ToolKind = "other"
)

type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ToolCallContent is one item of a tool call's output.
type ToolCallContent struct {
	Type    string        `json:"type"`
	Content *ContentBlock `json:"content,omitempty"`
}

// SessionUpdate is a streamed progress event. Content holds a ContentBlock
// for message chunks and a []ToolCallContent for tool calls; use the
// constructors and accessors rather than filling it by hand.
type SessionUpdate struct {
	SessionUpdate UpdateKind      `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       ToolKind        `json:"kind,omitempty"`
	Status     ToolCallStatus  `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

func messageChunk(kind UpdateKind, block ContentBlock) SessionUpdate {
	raw, _ := json.Marshal(block)
	return SessionUpdate{SessionUpdate: kind, Content: raw}
}

// AgentMessageChunk streams agent text.
func AgentMessageChunk(text string) SessionUpdate {
	return messageChunk(UpdateAgentMessageChunk, TextBlock(text))
}

// AgentThoughtChunk streams agent reasoning.
func AgentThoughtChunk(text string) SessionUpdate {
	return messageChunk(UpdateAgentThoughtChunk, TextBlock(text))
}

// UserMessageChunk echoes prompt content, used when replaying history.
func UserMessageChunk(block ContentBlock) SessionUpdate {
	return messageChunk(UpdateUserMessageChunk, block)
}

// ToolCallStarted announces a tool call.
func ToolCallStarted(id, title string, kind ToolKind, input any) SessionUpdate {
	raw, _ := json.Marshal(input)
	return SessionUpdate{
		SessionUpdate: UpdateToolCall,
		ToolCallID:    id,
		Title:         title,
		Kind:          kind,
		Status:        ToolCallPending,
		RawInput:      raw,
	}
}

// ToolCallFinished reports the final status and text output of a tool call.
func ToolCallFinished(id string, status ToolCallStatus, output string) SessionUpdate {
	block := TextBlock(output)
	raw, _ := json.Marshal([]ToolCallContent{{Type: "content", Content: &block}})
	return SessionUpdate{
		SessionUpdate: UpdateToolCallUpdate,
		ToolCallID:    id,
		Status:        status,
		Content:       raw,
	}
}

// MessageContent decodes the content of a message chunk update.
func (u SessionUpdate) MessageContent() (ContentBlock, error) {
	var b ContentBlock
	switch u.SessionUpdate {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
	default:
		return b, errors.New("%s update carries no message content", u.SessionUpdate)
	}
	if err := json.Unmarshal(u.Content, &b); err != nil {
		return b, errors.Wrapf(err, "decode %s content", u.SessionUpdate)
	}
	return b, nil
}

// ToolContent decodes the output of a tool call update. It is empty when
// the update carries none.
func (u SessionUpdate) ToolContent() ([]ToolCallContent, error) {
	if len(u.Content) == 0 {
		return nil, nil
	}
	var out []ToolCallContent
	if err := json.Unmarshal(u.Content, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s content", u.SessionUpdate)
	}
	return out, nil
}

// ---- session/request_permission ----

type PermissionOptionKind string

const (
	PermissionAllowOnce    PermissionOptionKind = "allow_once"
	PermissionAllowAlways  PermissionOptionKind = "allow_always"
	PermissionRejectOnce   PermissionOptionKind = "reject_once"
	PermissionRejectAlways PermissionOptionKind = "reject_always"
)

type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name"`
	Kind     PermissionOptionKind `json:"kind"`
}

// DefaultPermissionOptions is the allow/reject pair offered for a single
// tool call.
var DefaultPermissionOptions = []PermissionOption{
	{OptionID: "allow", Name: "Allow", Kind: PermissionAllowOnce},
	{OptionID: "reject", Name: "Reject", Kind: PermissionRejectOnce},
}

// ToolCallRef identifies the tool call a permission request is about.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       ToolKind        `json:"kind,omitempty"`
	Status     ToolCallStatus  `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

const (
	OutcomeCancelled = "cancelled"
	OutcomeSelected  = "selected"
)

type RequestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// Selected returns the outcome of choosing optionID.
func Selected(optionID string) RequestPermissionOutcome {
	return RequestPermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}
}

// Cancelled returns the outcome of a permission request abandoned because
// its turn was cancelled.
func Cancelled() RequestPermissionOutcome {
	return RequestPermissionOutcome{Outcome: OutcomeCancelled}
}

// Allowed reports whether the selected option is one of the allow kinds
// among options.
func (o RequestPermissionOutcome) Allowed(options []PermissionOption) bool {
	if o.Outcome != OutcomeSelected {
		return false
	}
	for _, opt := range options {
		if opt.OptionID == o.OptionID {
			return opt.Kind == PermissionAllowOnce || opt.Kind == PermissionAllowAlways
		}
	}
	return false
}

type RequestPermissionResponse struct {
	Outcome RequestPermissionOutcome `json:"outcome"`
}

// ---- fs ----

type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

type ReadTextFileResponse struct {
	Content string `json:"content"`
}

type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}
