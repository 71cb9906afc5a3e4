package session

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/ytchat/pkg/index"
	"github.com/m-mizutani/ytchat/pkg/model"
)

// Session bundles the index of one ingested video with its conversation.
type Session struct {
	ID        model.SessionID
	VideoURL  string
	VideoID   model.VideoID
	Language  string
	Index     *index.Index
	CreatedAt time.Time

	// exchange is a one-slot semaphore serializing question/answer exchanges
	exchange chan struct{}

	mu           sync.RWMutex
	history      []model.Turn
	lastAccessed time.Time
	credential   string

	cleared atomic.Bool
}

// NewInput contains parameters for creating a Session
type NewInput struct {
	ID        model.SessionID
	VideoURL  string
	VideoID   model.VideoID
	Language  string
	Index     *index.Index
	History   []model.Turn
	CreatedAt time.Time
	// LastAccessed defaults to CreatedAt
	LastAccessed time.Time
}

func New(input NewInput) *Session {
	last := input.LastAccessed
	if last.IsZero() {
		last = input.CreatedAt
	}
	return &Session{
		ID:           input.ID,
		VideoURL:     input.VideoURL,
		VideoID:      input.VideoID,
		Language:     input.Language,
		Index:        input.Index,
		CreatedAt:    input.CreatedAt,
		exchange:     make(chan struct{}, 1),
		history:      slices.Clone(input.History),
		lastAccessed: last,
	}
}

// History returns a copy of the conversation in chronological order.
func (s *Session) History() []model.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// Recent returns up to n of the most recent turns.
func (s *Session) Recent(n int) []model.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	from := max(0, len(s.history)-n)
	return slices.Clone(s.history[from:])
}

// Append adds turns to the history in one step.
func (s *Session) Append(turns ...model.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turns...)
}

func (s *Session) LastAccessed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessed
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastAccessed) {
		s.lastAccessed = now
	}
}

// SetCredential keeps an API key in memory for clients that do not send one per request.
// It is never written to durable storage.
func (s *Session) SetCredential(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = apiKey
}

func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Session) busy() bool {
	return len(s.exchange) > 0
}

// Cleared reports whether the session was removed from its store.
func (s *Session) Cleared() bool {
	return s.cleared.Load()
}

// Record returns the durable metadata of the session.
func (s *Session) Record(embeddingModel string) *model.SessionRecord {
	rec := &model.SessionRecord{
		ID:             s.ID,
		VideoURL:       s.VideoURL,
		VideoID:        s.VideoID,
		Language:       s.Language,
		EmbeddingModel: embeddingModel,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessed(),
	}
	if s.Index != nil {
		rec.ChunkCount = s.Index.Len()
		rec.Dimension = s.Index.Dimension()
	}
	return rec
}
