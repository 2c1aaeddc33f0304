// Package agent provides the reference agent served by acpconn-agent.
//
// The agent is rule driven: it does not talk to a model. Plain prompt text is
// streamed back as agent message chunks, and every line of the form
//
//	/tool <name> [json arguments]
//
// runs the named tool from the configured toolset. Tool calls are reported to
// the client as tool_call and tool_call_update session updates, so a client
// sees the same stream it would from a model-backed agent.
//
// # Modes
//
// The agent supports two operation modes:
//
//   - ModeAuto: Tools are executed without confirmation
//   - ModePrompt: Each tool call is preceded by a session/request_permission
//     call to the client; a rejected call is reported as failed and a
//     cancelled one ends the turn
//
// # Tools
//
// The built-in tools come from the tools package. File tools go through the
// client's fs methods when the client advertises them and use the local
// filesystem otherwise. MCP servers listed in additional_mcp_servers are
// started once by Start; servers the client names in session/new or
// session/load are started per session and stopped when the session ends.
package agent
