package rpc

import (
	"sync"

	"github.com/m4xw311/acpconn/jsonrpc"
)

// outcome is what a pending call receives: the response frame, or the
// teardown error.
type outcome struct {
	msg *jsonrpc.Message
	err error
}

// pendingTable tracks outbound requests awaiting a response. Ids are
// allocated monotonically and never reused on the same connection.
type pendingTable struct {
	mu     sync.Mutex
	next   int64
	calls  map[jsonrpc.ID]chan outcome
	failed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[jsonrpc.ID]chan outcome)}
}

// register allocates an id and the channel its outcome will be delivered on.
// The channel is buffered so delivery never blocks the read loop.
func (p *pendingTable) register() (jsonrpc.ID, <-chan outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return jsonrpc.ID{}, nil, p.failed
	}
	p.next++
	id := jsonrpc.NumberID(p.next)
	ch := make(chan outcome, 1)
	p.calls[id] = ch
	return id, ch, nil
}

// resolve delivers msg to the call registered under id. It reports false
// when no such call is pending (late or duplicate responses).
func (p *pendingTable) resolve(id jsonrpc.ID, msg *jsonrpc.Message) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{msg: msg}
	return true
}

// remove drops a call without delivering anything, used when the caller
// stops waiting.
func (p *pendingTable) remove(id jsonrpc.ID) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// failAll delivers err to every pending call and makes later registrations
// fail with err. Only the first call has any effect.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	if p.failed != nil {
		p.mu.Unlock()
		return 0
	}
	p.failed = err
	calls := p.calls
	p.calls = make(map[jsonrpc.ID]chan outcome)
	p.mu.Unlock()

	for _, ch := range calls {
		ch <- outcome{err: err}
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
