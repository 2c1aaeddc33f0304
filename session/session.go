// Package session keeps the agent-side state of ACP sessions: the working
// directory, the single active turn and the history of updates streamed to
// the client, optionally persisted so a later connection can load it.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/m4xw311/acpconn/errors"
)

var (
	// ErrTurnActive is returned by BeginTurn while another prompt is running.
	ErrTurnActive = errors.Sentinel("session: a prompt turn is already active")
	// ErrTurnCancelled is the cancellation cause of a turn stopped by the
	// client through session/cancel.
	ErrTurnCancelled = errors.Sentinel("session: turn cancelled by client")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.Sentinel("session: not found")
)

// Session is one conversation between a client and the agent.
type Session struct {
	ID         string            `json:"id"`
	Cwd        string            `json:"cwd"`
	CreatedAt  time.Time         `json:"createdAt"`
	History    []json.RawMessage `json:"history"`
	McpServers json.RawMessage   `json:"mcpServers,omitempty"`

	mu         sync.Mutex
	lastActive time.Time
	cancelTurn context.CancelCauseFunc
	turn       uint64
	// queued counts prompts received but not yet started. A cancel that
	// arrives while one is queued applies to the turn it starts.
	queued        int
	cancelPending bool
}

func newSession(id, cwd string, now time.Time) *Session {
	return &Session{
		ID:         id,
		Cwd:        cwd,
		CreatedAt:  now,
		History:    []json.RawMessage{},
		lastActive: now,
	}
}

// QueuePrompt marks a prompt as received ahead of its BeginTurn call, so a
// cancel that overtakes it still stops the turn once it starts. It must be
// called in the order requests arrive.
func (s *Session) QueuePrompt() {
	s.mu.Lock()
	s.queued++
	s.mu.Unlock()
}

// BeginTurn starts a prompt turn whose context is derived from parent. The
// returned end function must be called when the turn is over. A session runs
// at most one turn at a time. A turn started while a cancel is pending begins
// already cancelled with ErrTurnCancelled.
func (s *Session) BeginTurn(parent context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued > 0 {
		s.queued--
	}
	if s.cancelTurn != nil {
		if s.queued == 0 {
			s.cancelPending = false
		}
		return nil, nil, ErrTurnActive
	}
	ctx, cancel := context.WithCancelCause(parent)
	s.turn++
	s.cancelTurn = cancel
	s.lastActive = time.Now()
	if s.cancelPending {
		s.cancelPending = false
		cancel(ErrTurnCancelled)
	}

	turn := s.turn
	end := func() {
		s.mu.Lock()
		if s.turn == turn && s.cancelTurn != nil {
			s.cancelTurn = nil
			s.lastActive = time.Now()
		}
		s.mu.Unlock()
		cancel(nil)
	}
	return ctx, end, nil
}

// DropPrompt forgets a queued prompt that will never reach BeginTurn.
func (s *Session) DropPrompt() {
	s.mu.Lock()
	if s.queued > 0 {
		s.queued--
	}
	if s.queued == 0 {
		s.cancelPending = false
	}
	s.mu.Unlock()
}

// CancelTurn stops the active turn with ErrTurnCancelled as its cause. With
// no turn running but a prompt queued, the cancel is held for that prompt.
// It reports whether a turn was running or queued.
func (s *Session) CancelTurn() bool {
	s.mu.Lock()
	cancel := s.cancelTurn
	if cancel == nil && s.queued > 0 {
		s.cancelPending = true
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(ErrTurnCancelled)
	return true
}

// Busy reports whether a turn is running or a prompt is queued.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelTurn != nil || s.queued > 0
}

// Record appends an update payload to the session history.
func (s *Session) Record(update json.RawMessage) {
	s.mu.Lock()
	s.History = append(s.History, update)
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// SetMcpServers records the MCP server list the session was opened with.
func (s *Session) SetMcpServers(raw json.RawMessage) {
	s.mu.Lock()
	s.McpServers = raw
	s.mu.Unlock()
}

// Snapshot returns a copy of the history.
func (s *Session) Snapshot() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.History))
	copy(out, s.History)
	return out
}

// LastActive reports when the session last started or finished a turn or
// recorded an update.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize session %s", s.ID)
	}
	return data, nil
}
