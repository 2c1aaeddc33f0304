package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	"go.uber.org/zap"
)

// Store holds the sessions of one agent connection.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	dir      string
	log      *logger.Logger
	now      func() time.Time
	onEvict  func(*Session)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDir persists sessions as JSON files under dir, which enables Load.
func WithDir(dir string) StoreOption {
	return func(s *Store) { s.dir = dir }
}

// WithLogger sets the store logger.
func WithLogger(l *logger.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithEvictHook registers fn to run for every session leaving the store,
// whether deleted, reaped or dropped by Close.
func WithEvictHook(fn func(*Session)) StoreOption {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore returns an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		log:      logger.Default().WithComponent("session"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persistent reports whether sessions are saved to disk.
func (s *Store) Persistent() bool { return s.dir != "" }

// Create registers a new session with a random id.
func (s *Store) Create(cwd string) *Session {
	sess := newSession(uuid.NewString(), cwd, s.now())
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.log.Debug("session created", zap.String("session_id", sess.ID), zap.String("cwd", cwd))
	return sess
}

// Get looks up a live session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// BeginTurn looks up a session and starts a turn on it while holding the
// store lock, so Reap cannot evict the session in between.
func (s *Store) BeginTurn(parent context.Context, id string) (*Session, context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	ctx, end, err := sess.BeginTurn(parent)
	if err != nil {
		return sess, nil, nil, err
	}
	return sess, ctx, end, nil
}

// QueuePrompt marks a prompt as received for a live session and returns it.
// A queued session is busy, so Reap keeps it.
func (s *Store) QueuePrompt(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.QueuePrompt()
	}
	return sess, ok
}

// Delete removes a session, cancelling its turn.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.CancelTurn()
		s.evicted(sess)
	}
}

func (s *Store) evicted(sess *Session) {
	if s.onEvict != nil {
		s.onEvict(sess)
	}
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close cancels every active turn, saves persistent sessions and empties
// the store. It runs when the connection ends.
func (s *Store) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		sess.CancelTurn()
		if s.Persistent() {
			errs = append(errs, s.Save(sess))
		}
		s.evicted(sess)
	}
	return errors.Join(errs...)
}

// Reap evicts sessions idle for longer than idle that have no active turn.
// It returns the evicted ids.
func (s *Store) Reap(idle time.Duration) []string {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	var evicted []*Session
	for id, sess := range s.sessions {
		if sess.Busy() || sess.LastActive().After(cutoff) {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, sess)
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, sess := range evicted {
		if s.Persistent() {
			if err := s.Save(sess); err != nil {
				s.log.Warn("could not save evicted session", zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
		s.evicted(sess)
		ids = append(ids, sess.ID)
	}
	return ids
}

// RunReaper calls Reap every interval until ctx ends. An idle of zero
// disables reaping.
func (s *Store) RunReaper(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = idle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.Reap(idle) {
				s.log.Info("evicted idle session", zap.String("session_id", id), zap.Duration("idle", idle))
			}
		}
	}
}

// Save writes the session to the store directory. It is a no-op for a
// store without one.
func (s *Store) Save(sess *Session) error {
	if !s.Persistent() {
		return nil
	}
	path, err := s.sessionPath(sess.ID)
	if err != nil {
		return err
	}
	data, err := sess.marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "could not write session file %s", path)
	}
	return nil
}

// Load reads a saved session and makes it live again with cwd as its new
// working directory. A session that is already live is returned as is.
func (s *Store) Load(id, cwd string) (*Session, error) {
	if sess, ok := s.Get(id); ok {
		sess.touch(s.now())
		return sess, nil
	}
	if !s.Persistent() {
		return nil, ErrNotFound
	}
	path, err := s.sessionPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var saved Session
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	sess := newSession(id, cwd, saved.CreatedAt)
	sess.History = saved.History
	sess.McpServers = saved.McpServers
	sess.touch(s.now())

	s.mu.Lock()
	if live, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return live, nil
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	s.log.Debug("session loaded", zap.String("session_id", id), zap.Int("history", len(sess.History)))
	return sess, nil
}

// sessionPath maps an id to its file. Only uuids are accepted so an id can
// never name a path outside the directory.
func (s *Store) sessionPath(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrNotFound
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(s.dir, id+".json"), nil
}
