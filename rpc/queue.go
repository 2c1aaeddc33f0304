package rpc

import (
	"sync"

	"github.com/m4xw311/acpconn/jsonrpc"
)

// notificationQueue hands notifications from the read loop to a single
// worker. push never blocks, and the worker sees frames in arrival order.
type notificationQueue struct {
	mu      sync.Mutex
	items   []*jsonrpc.Message
	closing bool
	signal  chan struct{}
	stopped chan struct{}
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (q *notificationQueue) push(m *jsonrpc.Message) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
}

// close lets the worker drain what is queued and then exit.
func (q *notificationQueue) close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.wake()
}

func (q *notificationQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *notificationQueue) run(handle func(*jsonrpc.Message)) {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closing := q.closing
		q.mu.Unlock()

		for _, m := range batch {
			handle(m)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-q.signal
	}
}
