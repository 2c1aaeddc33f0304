package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/rpc"
)

// ErrInputClosed is returned when the terminal's input ends.
var ErrInputClosed = errors.Sentinel("input closed")

// Terminal is an interactive acp.Client: it prints session updates, asks
// for tool permission on its input and serves the fs methods through the
// embedded FileSystem.
type Terminal struct {
	*FileSystem

	// Interrupts, when set, cancels the running turn on each receive.
	Interrupts <-chan os.Signal

	out     io.Writer
	outMu   sync.Mutex
	lines   chan string
	verbose bool
}

var (
	_ acp.Client     = (*Terminal)(nil)
	_ acp.FileSystem = (*Terminal)(nil)
)

// NewTerminal reads user input from in and writes to out. verbose prints tool
// arguments and results.
func NewTerminal(in io.Reader, out io.Writer, fs *FileSystem, verbose bool) *Terminal {
	t := &Terminal{FileSystem: fs, out: out, lines: make(chan string), verbose: verbose}
	go t.scan(in)
	return t
}

func (t *Terminal) scan(in io.Reader) {
	defer close(t.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
}

func (t *Terminal) printf(format string, a ...interface{}) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, format, a...)
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", ErrInputClosed
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Terminal) SessionUpdate(ctx context.Context, n *acp.SessionNotification) error {
	u := n.Update
	switch u.SessionUpdate {
	case acp.UpdateAgentMessageChunk, acp.UpdateAgentThoughtChunk, acp.UpdateUserMessageChunk:
		block, err := u.MessageContent()
		if err != nil {
			return err
		}
		switch u.SessionUpdate {
		case acp.UpdateAgentMessageChunk:
			t.printf("Agent: %s\n", block.Text)
		case acp.UpdateAgentThoughtChunk:
			t.printf("Agent (thinking): %s\n", block.Text)
		default:
			t.printf("You: %s\n", block.Text)
		}
	case acp.UpdateToolCall:
		if t.verbose {
			t.printf("Agent wants to call tool `%s` with args: %s\n", u.Title, string(u.RawInput))
		} else {
			t.printf("Agent wants to call tool `%s`\n", u.Title)
		}
	case acp.UpdateToolCallUpdate:
		if u.Status != acp.ToolCallCompleted && u.Status != acp.ToolCallFailed {
			return nil
		}
		content, err := u.ToolContent()
		if err != nil {
			return err
		}
		var output []string
		for _, c := range content {
			if c.Content != nil {
				output = append(output, c.Content.Text)
			}
		}
		if u.Status == acp.ToolCallFailed {
			t.printf("Tool call %s failed: %s\n", u.ToolCallID, strings.Join(output, "\n"))
		} else if t.verbose {
			t.printf("Tool call %s output: %s\n", u.ToolCallID, strings.Join(output, "\n"))
		}
	}
	return nil
}

// RequestPermission asks on the terminal. Any answer other than y selects
// the first reject option.
func (t *Terminal) RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error) {
	t.printf("Allow tool `%s`? (y/n): ", req.ToolCall.Title)
	answer, err := t.readLine(ctx)
	if err != nil {
		return nil, err
	}
	allow := strings.ToLower(answer) == "y"
	for _, opt := range req.Options {
		isAllow := opt.Kind == acp.PermissionAllowOnce || opt.Kind == acp.PermissionAllowAlways
		if isAllow == allow {
			return &acp.RequestPermissionResponse{Outcome: acp.Selected(opt.OptionID)}, nil
		}
	}
	return &acp.RequestPermissionResponse{Outcome: acp.Cancelled()}, nil
}

// Prompter is the part of acp.ClientConn the terminal loop drives.
type Prompter interface {
	Prompt(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (acp.StopReason, error)
}

// Run reads prompts until the input ends or the user types /quit or /exit.
// An initial prompt, when given, is sent first.
func (t *Terminal) Run(ctx context.Context, conn Prompter, sessionID, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, conn, sessionID, initialPrompt); err != nil {
			return err
		}
	}

	for {
		t.printf("You: ")
		userInput, err := t.readLine(ctx)
		if errors.Is(err, ErrInputClosed) {
			// EOF ends the session
			return nil
		}
		if err != nil {
			return err
		}
		if userInput == "" {
			continue
		}

		// Exit commands
		if userInput == "/quit" || userInput == "/exit" {
			return nil
		}

		if err := t.processTurn(ctx, conn, sessionID, userInput); err != nil {
			if errors.Is(err, rpc.ErrConnClosed) {
				return err
			}
			t.printf("Error: %v\n", err)
		}
	}
}

func (t *Terminal) processTurn(ctx context.Context, conn Prompter, sessionID, userInput string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.Interrupts != nil {
		go func() {
			select {
			case <-t.Interrupts:
				t.printf("\nCancelling...\n")
				cancel()
			case <-turnCtx.Done():
			}
		}()
	}

	stop, err := conn.Prompt(turnCtx, sessionID, []acp.ContentBlock{acp.TextBlock(userInput)})
	if err != nil {
		return err
	}
	if stop != acp.StopEndTurn {
		t.printf("(turn ended: %s)\n", stop)
	}
	return nil
}
