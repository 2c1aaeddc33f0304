package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpconn/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	return NewStore(append([]StoreOption{WithLogger(logger.Nop())}, opts...)...)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create("/work")

	_, err := uuid.Parse(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "/work", sess.Cwd)

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.NotEqual(t, sess.ID, s.Create("/work").ID)
	assert.Equal(t, 2, s.Len())

	s.Delete(sess.ID)
	_, ok = s.Get(sess.ID)
	assert.False(t, ok)
}

func TestOneTurnAtATime(t *testing.T) {
	sess := newTestStore(t).Create("/work")

	ctx, end, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.Busy())

	_, _, err = sess.BeginTurn(context.Background())
	assert.ErrorIs(t, err, ErrTurnActive)

	end()
	assert.False(t, sess.Busy())
	assert.Error(t, ctx.Err(), "ending a turn releases its context")

	_, end2, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	end()
	assert.True(t, sess.Busy(), "a stale end must not clear the next turn")
	end2()
}

func TestCancelTurnSetsCause(t *testing.T) {
	sess := newTestStore(t).Create("/work")
	assert.False(t, sess.CancelTurn())

	ctx, end, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()

	assert.True(t, sess.CancelTurn())
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), ErrTurnCancelled)
}

func TestParentCancelIsNotClientCancel(t *testing.T) {
	sess := newTestStore(t).Create("/work")
	parent, cancel := context.WithCancel(context.Background())

	ctx, end, err := sess.BeginTurn(parent)
	require.NoError(t, err)
	defer end()

	cancel()
	<-ctx.Done()
	assert.NotErrorIs(t, context.Cause(ctx), ErrTurnCancelled)
}

func TestCloseCancelsTurnsAndEmptiesStore(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create("/work")
	ctx, end, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()

	require.NoError(t, s.Close())
	assert.Zero(t, s.Len())
	assert.ErrorIs(t, context.Cause(ctx), ErrTurnCancelled)
}

func TestReapSkipsBusyAndRecentSessions(t *testing.T) {
	s := newTestStore(t)
	idle := s.Create("/idle")
	busy := s.Create("/busy")
	_, end, err := busy.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()

	assert.Empty(t, s.Reap(time.Hour), "nothing is idle yet")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, []string{idle.ID}, s.Reap(time.Hour))
	_, ok := s.Get(busy.ID)
	assert.True(t, ok)
}

func TestStoreBeginTurn(t *testing.T) {
	s := newTestStore(t)
	_, _, _, err := s.BeginTurn(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sess := s.Create("/work")
	got, ctx, end, err := s.BeginTurn(context.Background(), sess.ID)
	require.NoError(t, err)
	defer end()
	assert.Same(t, sess, got)
	assert.NoError(t, ctx.Err())

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Empty(t, s.Reap(time.Hour), "a session with a running turn is never reaped")

	_, _, _, err = s.BeginTurn(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrTurnActive)
}

func TestReapSkipsQueuedPrompt(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create("/work")
	got, ok := s.QueuePrompt(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.True(t, sess.Busy())

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Empty(t, s.Reap(time.Hour))

	sess.DropPrompt()
	assert.False(t, sess.Busy())
	assert.Equal(t, []string{sess.ID}, s.Reap(time.Hour))

	_, ok = s.QueuePrompt(sess.ID)
	assert.False(t, ok)
}

func TestCancelHeldForQueuedPrompt(t *testing.T) {
	sess := newSession("s1", "/work", time.Now())
	sess.QueuePrompt()
	assert.True(t, sess.CancelTurn(), "a cancel for a queued prompt is kept")

	ctx, end, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, context.Cause(ctx), ErrTurnCancelled)
	end()

	ctx, end, err = sess.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()
	assert.NoError(t, ctx.Err(), "the held cancel applies to one turn only")
}

func TestCancelWithoutPromptIsDropped(t *testing.T) {
	sess := newSession("s1", "/work", time.Now())
	assert.False(t, sess.CancelTurn())

	sess.QueuePrompt()
	require.True(t, sess.CancelTurn())
	sess.DropPrompt()

	ctx, end, err := sess.BeginTurn(context.Background())
	require.NoError(t, err)
	defer end()
	assert.NoError(t, ctx.Err(), "a dropped prompt takes its cancel with it")
}

func TestRunReaperZeroIdleReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		newTestStore(t).RunReaper(context.Background(), 0, time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper with zero idle should return immediately")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, WithDir(dir))
	require.True(t, s.Persistent())

	sess := s.Create("/work")
	sess.Record(json.RawMessage(`{"sessionUpdate":"user_message_chunk","content":{"type":"text","text":"hi"}}`))
	sess.Record(json.RawMessage(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}`))
	require.NoError(t, s.Save(sess))
	assert.FileExists(t, filepath.Join(dir, sess.ID+".json"))

	other := newTestStore(t, WithDir(dir))
	loaded, err := other.Load(sess.ID, "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", loaded.Cwd)
	require.Len(t, loaded.Snapshot(), 2)
	assert.JSONEq(t, string(sess.History[1]), string(loaded.Snapshot()[1]))

	again, err := other.Load(sess.ID, "/elsewhere")
	require.NoError(t, err)
	assert.Same(t, loaded, again)
}

func TestLoadErrors(t *testing.T) {
	_, err := newTestStore(t).Load(uuid.NewString(), "/work")
	assert.ErrorIs(t, err, ErrNotFound, "memory-only store")

	dir := t.TempDir()
	s := newTestStore(t, WithDir(dir))
	_, err = s.Load(uuid.NewString(), "/work")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Load("../../etc/passwd", "/work")
	assert.ErrorIs(t, err, ErrNotFound)

	id := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte("{not json"), 0644))
	_, err = s.Load(id, "/work")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestEvictHookRunsForEveryExit(t *testing.T) {
	var evicted []string
	s := newTestStore(t, WithEvictHook(func(sess *Session) { evicted = append(evicted, sess.Cwd) }))

	deleted := s.Create("/deleted")
	s.Create("/reaped")
	s.Delete(deleted.ID)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	s.Reap(time.Minute)
	s.Create("/closed")
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"/deleted", "/reaped", "/closed"}, evicted)
}
