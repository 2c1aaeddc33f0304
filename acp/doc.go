// Package acp implements the Agent Client Protocol on top of the rpc
// connection engine.
//
// AgentConn serves the agent side: it enforces the initialize handshake,
// owns the session store and runs one prompt turn per session through the
// Agent interface. A Turn streams session/update notifications and makes
// nested calls back to the client (session/request_permission,
// fs/read_text_file, fs/write_text_file) while the prompt request is
// still open.
//
// ClientConn drives an agent from the host side. Updates and permission
// requests from the agent are delivered to a Client implementation; a
// Client that also implements FileSystem gets the fs methods registered
// and advertised.
//
// Methods:
//   - initialize: negotiates the protocol version and exchanges capabilities
//   - session/new, session/load: create or resume a session
//   - session/prompt: runs a turn and answers with a stop reason
//   - session/cancel: notification that stops the active turn
package acp
