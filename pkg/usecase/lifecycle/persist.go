package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/index"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/repository"
	"github.com/m-mizutani/ytchat/pkg/session"
)

// persister writes session data as blobs and session metadata as repository records.
// The API key is never written.
type persister struct {
	storage        adapter.Storage
	repo           repository.Repository
	embeddingModel string
}

func transcriptKey(id model.SessionID) string { return "transcripts/" + string(id) + ".txt" }
func indexKey(id model.SessionID) string      { return "indices/" + string(id) + ".json" }
func historyKey(id model.SessionID) string    { return "histories/" + string(id) + ".json" }

// saveSession writes blobs first and the record last, so a record always points at
// complete data.
func (p *persister) saveSession(ctx context.Context, sess *session.Session, transcript string) error {
	if err := p.writeBlob(ctx, transcriptKey(sess.ID), func(w io.Writer) error {
		_, err := io.WriteString(w, transcript)
		return err
	}); err != nil {
		return goerr.Wrap(err, "failed to save transcript")
	}

	if err := p.writeBlob(ctx, indexKey(sess.ID), sess.Index.Encode); err != nil {
		return goerr.Wrap(err, "failed to save index")
	}

	if err := p.writeHistory(ctx, sess); err != nil {
		return err
	}

	if err := p.repo.PutSession(ctx, sess.Record(p.embeddingModel)); err != nil {
		return goerr.Wrap(err, "failed to put session record")
	}
	return nil
}

// saveHistory rewrites the history blob and refreshes the record's access time
func (p *persister) saveHistory(ctx context.Context, sess *session.Session) error {
	if err := p.writeHistory(ctx, sess); err != nil {
		return err
	}
	if err := p.repo.PutSession(ctx, sess.Record(p.embeddingModel)); err != nil {
		return goerr.Wrap(err, "failed to put session record")
	}
	return nil
}

func (p *persister) writeHistory(ctx context.Context, sess *session.Session) error {
	history := sess.History()
	if history == nil {
		history = []model.Turn{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal history")
	}

	if err := p.writeBlob(ctx, historyKey(sess.ID), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return goerr.Wrap(err, "failed to save history")
	}
	return nil
}

// deleteSession removes the record first so a failure midway never leaves a record
// pointing at missing blobs.
func (p *persister) deleteSession(ctx context.Context, id model.SessionID) error {
	if err := p.repo.DeleteSession(ctx, id); err != nil {
		return goerr.Wrap(err, "failed to delete session record")
	}
	for _, key := range []string{historyKey(id), indexKey(id), transcriptKey(id)} {
		if err := p.storage.Delete(ctx, key); err != nil {
			return goerr.Wrap(err, "failed to delete blob", goerr.V("key", key))
		}
	}
	return nil
}

// loadSession rebuilds a session from its record and blobs. The restored session is
// treated as accessed at now so it gets a full idle period.
func (p *persister) loadSession(ctx context.Context, record *model.SessionRecord, now time.Time) (*session.Session, error) {
	var idx *index.Index
	if err := p.readBlob(ctx, indexKey(record.ID), func(r io.Reader) error {
		var err error
		idx, err = index.Decode(r)
		return err
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to load index")
	}
	if idx.Len() != record.ChunkCount {
		return nil, goerr.New("index does not match session record",
			goerr.V("chunks", idx.Len()),
			goerr.V("expected", record.ChunkCount))
	}

	var history []model.Turn
	if err := p.readBlob(ctx, historyKey(record.ID), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&history)
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to load history")
	}
	for _, turn := range history {
		if _, err := model.ParseRole(string(turn.Role)); err != nil {
			return nil, err
		}
	}

	return session.New(session.NewInput{
		ID:           record.ID,
		VideoURL:     record.VideoURL,
		VideoID:      record.VideoID,
		Language:     record.Language,
		Index:        idx,
		History:      history,
		CreatedAt:    record.CreatedAt,
		LastAccessed: now,
	}), nil
}

// loadTranscript reads the stored transcript of a session
func (p *persister) loadTranscript(ctx context.Context, id model.SessionID) (string, error) {
	var b strings.Builder
	if err := p.readBlob(ctx, transcriptKey(id), func(r io.Reader) error {
		_, err := io.Copy(&b, r)
		return err
	}); err != nil {
		return "", goerr.Wrap(err, "failed to load transcript")
	}
	return b.String(), nil
}

func (p *persister) writeBlob(ctx context.Context, key string, write func(io.Writer) error) error {
	w, err := p.storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("key", key))
	}
	if err := write(w); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write blob", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}
	return nil
}

func (p *persister) readBlob(ctx context.Context, key string, read func(io.Reader) error) error {
	r, err := p.storage.Get(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open blob", goerr.V("key", key))
	}
	defer r.Close()

	if err := read(r); err != nil {
		return goerr.Wrap(err, "failed to read blob", goerr.V("key", key))
	}
	return nil
}
