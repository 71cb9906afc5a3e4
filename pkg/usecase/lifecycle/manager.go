package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/chunker"
	"github.com/m-mizutani/ytchat/pkg/index"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/repository"
	"github.com/m-mizutani/ytchat/pkg/session"
	"github.com/m-mizutani/ytchat/pkg/usecase/qa"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
)

// DocumentEmbedder embeds transcript chunks in input order
type DocumentEmbedder interface {
	EmbedMany(ctx context.Context, texts []string, apiKey string) ([][]float32, error)
	Model() string
}

// Answerer produces an answer for a question without mutating the session
type Answerer interface {
	Answer(ctx context.Context, sess *session.Session, question, apiKey string) (*qa.Answer, error)
}

// Manager implements ingest, chat, clear and health on top of the session store.
// It owns every transition of a session: created by ProcessVideo, removed by ClearSession.
type Manager struct {
	fetcher  adapter.TranscriptFetcher
	chunker  *chunker.Chunker
	embedder DocumentEmbedder
	engine   Answerer
	store    *session.Store

	persist          *persister
	retainCredential bool
	cache            *indexCache
	now              func() time.Time

	// background deletions of evicted sessions
	wg sync.WaitGroup
}

// NewInput contains the components a Manager orchestrates
type NewInput struct {
	Fetcher  adapter.TranscriptFetcher
	Chunker  *chunker.Chunker
	Embedder DocumentEmbedder
	Engine   Answerer
	Store    *session.Store
}

type Option func(*Manager)

// WithPersistence stores transcripts, indices and histories in storage and session
// records in repo so sessions survive a restart.
func WithPersistence(storage adapter.Storage, repo repository.Repository) Option {
	return func(m *Manager) {
		m.persist = &persister{storage: storage, repo: repo}
	}
}

// WithRetainCredential controls whether the ingest API key is kept in memory so chat
// requests may omit it. It is enabled by default.
func WithRetainCredential(enabled bool) Option {
	return func(m *Manager) {
		m.retainCredential = enabled
	}
}

// WithIndexReuse lets a repeated ingest of the same video share the index built by an
// earlier ingest instead of fetching and embedding again. size bounds the number of
// cached indices.
func WithIndexReuse(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.cache = newIndexCache(size)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(input NewInput, opts ...Option) *Manager {
	m := &Manager{
		fetcher:  input.Fetcher,
		chunker:  input.Chunker,
		embedder: input.Embedder,
		engine:   input.Engine,
		store:    input.Store,
		now:      time.Now,

		retainCredential: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.persist != nil {
		m.persist.embeddingModel = m.embedder.Model()
	}
	return m
}

// ProcessVideo fetches, chunks and embeds the transcript of videoURL and registers a new
// session. On failure no session is registered.
func (m *Manager) ProcessVideo(ctx context.Context, videoURL, apiKey string) (model.SessionID, error) {
	videoURL = strings.TrimSpace(videoURL)
	if videoURL == "" {
		return "", goerr.Wrap(model.ErrValidation, "youtube_url is required")
	}
	if apiKey == "" {
		return "", goerr.Wrap(model.ErrValidation, "api_key is required")
	}
	videoID, err := model.ParseVideoID(videoURL)
	if err != nil {
		return "", err
	}

	logger := logging.From(ctx).With("video_id", videoID)

	var (
		idx        *index.Index
		transcript *model.Transcript
	)
	if m.cache != nil {
		idx, transcript = m.cache.get(videoID, m.embedder.Model())
	}
	if idx != nil {
		if err := m.verifyKey(ctx, videoID, apiKey); err != nil {
			return "", err
		}
		logger.Info("reusing cached index", "chunks", idx.Len())
	} else {
		transcript, idx, err = m.buildIndex(ctx, videoURL, apiKey)
		if err != nil {
			return "", err
		}
		if m.cache != nil {
			m.cache.put(videoID, m.embedder.Model(), idx, transcript)
		}
	}

	now := m.now()
	sess := session.New(session.NewInput{
		ID:        model.NewSessionID(),
		VideoURL:  videoURL,
		VideoID:   videoID,
		Language:  transcript.Language,
		Index:     idx,
		CreatedAt: now,
	})
	if m.retainCredential {
		sess.SetCredential(apiKey)
	}

	if m.persist != nil {
		if err := m.persist.saveSession(ctx, sess, transcript.Text); err != nil {
			if cleanupErr := m.persist.deleteSession(ctx, sess.ID); cleanupErr != nil {
				logger.Warn("failed to clean up partially persisted session", "session_id", sess.ID, "error", cleanupErr)
			}
			return "", goerr.Wrap(model.ErrInternal, "failed to persist session",
				goerr.V("session_id", sess.ID), goerr.V("cause", err.Error()))
		}
	}

	m.store.Put(sess)
	logger.Info("session created", "session_id", sess.ID, "chunks", idx.Len(), "language", transcript.Language)
	return sess.ID, nil
}

func (m *Manager) buildIndex(ctx context.Context, videoURL, apiKey string) (*model.Transcript, *index.Index, error) {
	transcript, err := m.fetcher.Fetch(ctx, videoURL)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to fetch transcript")
	}

	chunks := m.chunker.Chunk(transcript.Text)
	if len(chunks) == 0 {
		if err := m.verifyKey(ctx, transcript.VideoID, apiKey); err != nil {
			return nil, nil, err
		}
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := m.embedder.EmbedMany(ctx, texts, apiKey)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to embed transcript", goerr.V("chunks", len(chunks)))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	idx, err := index.Build(chunks)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to build index")
	}
	return transcript, idx, nil
}

// verifyKey rejects a bad apiKey with one small embedding call. It guards the ingest
// paths that would otherwise register a session without ever reaching the provider.
func (m *Manager) verifyKey(ctx context.Context, videoID model.VideoID, apiKey string) error {
	if _, err := m.embedder.EmbedMany(ctx, []string{string(videoID)}, apiKey); err != nil {
		return goerr.Wrap(err, "failed to verify api_key", goerr.V("video_id", videoID))
	}
	return nil
}

// Chat answers question within session id and appends the question and answer to its
// history. Exchanges on one session run one at a time. When apiKey is empty the key
// retained at ingest is used unless retention is disabled.
func (m *Manager) Chat(ctx context.Context, id model.SessionID, question, apiKey string) (*qa.Answer, error) {
	if id == "" {
		return nil, goerr.Wrap(model.ErrValidation, "session_id is required")
	}
	id, err := lookupID(id)
	if err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, goerr.Wrap(model.ErrValidation, "question is required")
	}

	var answer *qa.Answer
	err = m.store.Exchange(ctx, id, func(sess *session.Session) error {
		key := apiKey
		if key == "" && m.retainCredential {
			key = sess.Credential()
		}
		if key == "" {
			return goerr.Wrap(model.ErrValidation, "api_key is required", goerr.V("session_id", id))
		}

		asked := m.now()
		ans, err := m.engine.Answer(ctx, sess, question, key)
		if err != nil {
			return err
		}
		if sess.Cleared() {
			return goerr.Wrap(model.ErrSessionNotFound, "session was cleared while answering", goerr.V("session_id", id))
		}

		sess.Append(
			model.Turn{Role: model.RoleUser, Content: question, Timestamp: asked},
			model.Turn{Role: model.RoleAssistant, Content: ans.Text, Timestamp: m.now()},
		)
		answer = ans

		if m.persist != nil {
			if err := m.persist.saveHistory(ctx, sess); err != nil {
				logging.From(ctx).Warn("failed to persist history", "session_id", id, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// ClearSession removes session id and its durable data. Clearing an absent session
// succeeds; the returned flag reports whether a live session was removed.
func (m *Manager) ClearSession(ctx context.Context, id model.SessionID) (bool, error) {
	if id == "" {
		return false, goerr.Wrap(model.ErrValidation, "session_id is required")
	}
	// a malformed id can name no session, and must never reach storage keys
	parsed, err := model.ParseSessionID(string(id))
	if err != nil {
		logging.From(ctx).Info("ignore clear of malformed session id", "session_id", id)
		return false, nil
	}
	id = parsed

	removed := m.store.Remove(id)
	if m.persist != nil {
		if err := m.persist.deleteSession(ctx, id); err != nil {
			return removed, goerr.Wrap(model.ErrInternal, "failed to delete persisted session",
				goerr.V("session_id", id), goerr.V("cause", err.Error()))
		}
	}

	logging.From(ctx).Info("session cleared", "session_id", id, "removed", removed)
	return removed, nil
}

// History returns the conversation of session id in chronological order
func (m *Manager) History(ctx context.Context, id model.SessionID) ([]model.Turn, error) {
	id, err := lookupID(id)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.History(), nil
}

// lookupID canonicalizes id for a lookup; an id that was never issued is reported as an
// unknown session
func lookupID(id model.SessionID) (model.SessionID, error) {
	parsed, err := model.ParseSessionID(string(id))
	if err != nil {
		return "", goerr.Wrap(model.ErrSessionNotFound, "session not found", goerr.V("session_id", id))
	}
	return parsed, nil
}

// Health reports liveness without touching any session
func (m *Manager) Health(ctx context.Context) model.Health {
	status := "ok"
	if !m.store.Health() {
		status = "unavailable"
	}
	return model.Health{
		Status:   status,
		Sessions: m.store.Len(),
	}
}

// Restore loads persisted sessions into the store. Records that cannot be loaded are
// skipped with a warning. It returns the number of restored sessions.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.persist == nil {
		return 0, nil
	}

	records, err := m.persist.repo.ListSessions(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list persisted sessions")
	}

	logger := logging.From(ctx)
	restored := 0
	for _, record := range records {
		if _, err := model.ParseSessionID(string(record.ID)); err != nil {
			logger.Warn("skip session with malformed id", "session_id", record.ID)
			continue
		}
		if record.EmbeddingModel != m.persist.embeddingModel {
			logger.Warn("skip session embedded with another model",
				"session_id", record.ID,
				"embedding_model", record.EmbeddingModel)
			continue
		}

		sess, err := m.persist.loadSession(ctx, record, m.now())
		if err != nil {
			logger.Warn("failed to restore session", "session_id", record.ID, "error", err)
			continue
		}
		m.store.Put(sess)
		restored++

		if m.cache != nil {
			text, err := m.persist.loadTranscript(ctx, record.ID)
			if err != nil {
				logger.Warn("failed to load transcript for index reuse", "session_id", record.ID, "error", err)
				continue
			}
			m.cache.put(record.VideoID, record.EmbeddingModel, sess.Index, &model.Transcript{
				VideoID:  record.VideoID,
				Language: record.Language,
				Text:     text,
			})
		}
	}

	logger.Info("sessions restored", "count", restored, "records", len(records))
	return restored, nil
}

// OnEvict deletes the durable data of a session removed by the store's idle or capacity
// policy. It is meant for session.WithEvictHook and does not block the caller.
func (m *Manager) OnEvict(sess *session.Session) {
	if m.persist == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := m.persist.deleteSession(ctx, sess.ID); err != nil {
			logging.Default().Warn("failed to delete evicted session", "session_id", sess.ID, "error", err)
			return
		}
		logging.Default().Info("evicted session deleted", "session_id", sess.ID)
	}()
}

// Close waits for background deletions to finish
func (m *Manager) Close() {
	m.wg.Wait()
}
