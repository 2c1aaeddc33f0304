package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingIDsAreUnique(t *testing.T) {
	p := newPendingTable()

	var mu sync.Mutex
	ids := make(map[jsonrpc.ID]bool)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := p.register()
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assert.False(t, ids[id], "duplicate id %s", id)
			ids[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 200)
	assert.Equal(t, 200, p.len())
}

func TestPendingResolveOnce(t *testing.T) {
	p := newPendingTable()
	id, ch, err := p.register()
	require.NoError(t, err)

	resp, err := jsonrpc.NewResult(&id, "ok")
	require.NoError(t, err)
	assert.True(t, p.resolve(id, resp))
	assert.False(t, p.resolve(id, resp), "duplicate response")

	out := <-ch
	assert.NoError(t, out.err)
	assert.Same(t, resp, out.msg)
	assert.Zero(t, p.failAll(ErrConnClosed), "resolved calls are not failed again")
}

func TestPendingRemoveDropsLateResponse(t *testing.T) {
	p := newPendingTable()
	id, _, err := p.register()
	require.NoError(t, err)

	p.remove(id)
	resp, err := jsonrpc.NewResult(&id, nil)
	require.NoError(t, err)
	assert.False(t, p.resolve(id, resp))
}

func TestPendingFailAll(t *testing.T) {
	p := newPendingTable()
	var chans []<-chan outcome
	for i := 0; i < 3; i++ {
		_, ch, err := p.register()
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	assert.Equal(t, 3, p.failAll(ErrConnClosed))
	assert.Zero(t, p.failAll(errors.New("second teardown")))
	for _, ch := range chans {
		out := <-ch
		assert.ErrorIs(t, out.err, ErrConnClosed)
		select {
		case <-ch:
			t.Fatal("outcome delivered twice")
		default:
		}
	}

	_, _, err := p.register()
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("x", nil))
	require.NoError(t, r.Register("x", noop))
	require.NoError(t, r.Register("x", func(context.Context, json.RawMessage) (any, error) { return 2, nil }))

	res, rpcErr := r.Dispatch(context.Background(), "x", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, 2, res, "later registration replaces the earlier one")

	r.seal()
	assert.ErrorIs(t, r.Register("y", noop), ErrRegistrySealed)
	_, rpcErr = r.Dispatch(context.Background(), "y", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rpcErr.Code)
}

func TestBindNotificationDecodesParams(t *testing.T) {
	type update struct {
		SessionID string `json:"sessionId"`
	}
	var got string
	h := BindNotification(func(ctx context.Context, p *update) error {
		got = p.SessionID
		return nil
	})

	_, err := h(context.Background(), json.RawMessage(`{"sessionId":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", got)

	_, err = h(context.Background(), json.RawMessage(`[1,2]`))
	rpcErr, ok := jsonrpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
}

func TestNotificationQueueDrainsOnClose(t *testing.T) {
	q := newNotificationQueue()
	for i := 0; i < 5; i++ {
		m, err := jsonrpc.NewNotification("n", i)
		require.NoError(t, err)
		q.push(m)
	}
	q.close()
	m, err := jsonrpc.NewNotification("late", nil)
	require.NoError(t, err)
	q.push(m)

	var handled []string
	q.run(func(m *jsonrpc.Message) { handled = append(handled, string(m.Params)) })
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, handled)
	<-q.stopped
}
