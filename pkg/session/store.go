package session

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
}

// Store is the process-wide registry of live sessions. Sessions are spread over shards
// with independent locks, and every session has its own exchange lock, so operations on
// different sessions never wait for each other.
type Store struct {
	shards [shardCount]*shard
	count  atomic.Int64
	closed atomic.Bool

	idleTTL       time.Duration
	maxSessions   int
	sweepInterval time.Duration
	now           func() time.Time
	onEvict       func(*Session)

	// capacity serializes inserts only when a capacity bound is configured
	capacity sync.Mutex
}

type Option func(*Store)

// WithIdleTTL expires sessions not used for d. Zero disables expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) {
		s.idleTTL = d
	}
}

// WithMaxSessions bounds the number of live sessions; the least recently accessed
// session is evicted to make room. Zero means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		s.maxSessions = n
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEvictHook registers fn to be called for every session removed by expiry or by the
// capacity bound. It is not called for explicit Remove.
func WithEvictHook(fn func(*Session)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now: time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[model.SessionID]*Session)}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval <= 0 && s.idleTTL > 0 {
		s.sweepInterval = max(s.idleTTL/2, time.Second)
	}
	return s
}

func (s *Store) shardFor(id model.SessionID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Put registers a session, replacing any session with the same ID.
func (s *Store) Put(sess *Session) {
	if s.maxSessions > 0 {
		s.capacity.Lock()
		defer s.capacity.Unlock()
		for s.Len() >= s.maxSessions {
			if !s.evictOldest() {
				break
			}
		}
	}

	sh := s.shardFor(sess.ID)
	sh.mu.Lock()
	prev, exists := sh.sessions[sess.ID]
	sh.sessions[sess.ID] = sess
	sh.mu.Unlock()

	if exists {
		prev.cleared.Store(true)
	} else {
		s.count.Add(1)
	}
}

// Get returns the live session for id.
func (s *Store) Get(id model.SessionID) (*Session, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()

	if !ok {
		return nil, goerr.Wrap(model.ErrSessionNotFound, "no such session", goerr.V("session_id", id))
	}
	if s.expired(sess, s.now()) {
		if s.removeIf(sess) {
			s.evicted(sess)
		}
		return nil, goerr.Wrap(model.ErrSessionNotFound, "session expired", goerr.V("session_id", id))
	}
	return sess, nil
}

// Exchange runs fn while holding the exchange lock of session id. Exchanges on one
// session run one at a time; a session cleared meanwhile yields ErrSessionNotFound.
func (s *Store) Exchange(ctx context.Context, id model.SessionID, fn func(*Session) error) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	select {
	case sess.exchange <- struct{}{}:
	case <-ctx.Done():
		return goerr.Wrap(model.ErrTransport, "gave up waiting for session", goerr.V("session_id", id), goerr.V("cause", ctx.Err().Error()))
	}
	defer func() { <-sess.exchange }()

	if sess.Cleared() {
		return goerr.Wrap(model.ErrSessionNotFound, "session was cleared", goerr.V("session_id", id))
	}

	sess.touch(s.now())
	if err := fn(sess); err != nil {
		return err
	}
	sess.touch(s.now())
	return nil
}

// Remove deletes the session. Removing an absent id is not an error; it returns false.
func (s *Store) Remove(id model.SessionID) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	sess, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()

	if !ok {
		return false
	}
	sess.cleared.Store(true)
	s.count.Add(-1)
	return true
}

// removeIf deletes sess only when it is still the registered session for its ID
func (s *Store) removeIf(sess *Session) bool {
	sh := s.shardFor(sess.ID)
	sh.mu.Lock()
	cur, ok := sh.sessions[sess.ID]
	if ok && cur == sess {
		delete(sh.sessions, sess.ID)
	}
	sh.mu.Unlock()

	if !ok || cur != sess {
		return false
	}
	sess.cleared.Store(true)
	s.count.Add(-1)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Health reports whether the store accepts requests.
func (s *Store) Health() bool {
	return !s.closed.Load()
}

// Close stops a running reaper and marks the store unhealthy.
func (s *Store) Close() {
	s.closed.Store(true)
}

// Sessions returns a snapshot of the live sessions.
func (s *Store) Sessions() []*Session {
	out := make([]*Session, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			out = append(out, sess)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	if s.idleTTL <= 0 || sess.busy() {
		return false
	}
	return now.Sub(sess.LastAccessed()) > s.idleTTL
}

func (s *Store) evicted(sess *Session) {
	if s.onEvict != nil {
		s.onEvict(sess)
	}
}

func (s *Store) evictOldest() bool {
	var oldest *Session
	for _, sess := range s.Sessions() {
		if sess.busy() {
			continue
		}
		if oldest == nil || sess.LastAccessed().Before(oldest.LastAccessed()) {
			oldest = sess
		}
	}
	if oldest == nil || !s.removeIf(oldest) {
		return false
	}
	s.evicted(oldest)
	return true
}

// Sweep removes every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	if s.idleTTL <= 0 {
		return 0
	}

	now := s.now()
	var removed []*Session
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if s.expired(sess, now) {
				delete(sh.sessions, id)
				removed = append(removed, sess)
			}
		}
		sh.mu.Unlock()
	}

	for _, sess := range removed {
		sess.cleared.Store(true)
		s.count.Add(-1)
		s.evicted(sess)
	}
	return len(removed)
}

// Run sweeps expired sessions periodically until ctx is done or the store is closed.
// It returns immediately when no idle TTL is configured.
func (s *Store) Run(ctx context.Context) {
	if s.idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			if n := s.Sweep(); n > 0 {
				logging.From(ctx).Info("expired idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
