package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultSessionCollection = "sessions"

// Firestore implements Repository with one document per session
type Firestore struct {
	client     *firestore.Client
	collection string
}

var _ Repository = (*Firestore)(nil)

type FirestoreOption func(*Firestore)

// WithCollection changes the collection holding session documents
func WithCollection(name string) FirestoreOption {
	return func(f *Firestore) {
		f.collection = name
	}
}

// NewFirestore creates a Firestore repository for the given project and database
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	f := &Firestore{
		client:     client,
		collection: defaultSessionCollection,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) doc(id model.SessionID) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(string(id))
}

func (f *Firestore) PutSession(ctx context.Context, record *model.SessionRecord) error {
	if record == nil || record.ID == "" {
		return goerr.Wrap(model.ErrValidation, "session record must have an ID")
	}

	if _, err := f.doc(record.ID).Set(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to put session", goerr.V("session_id", record.ID))
	}
	return nil
}

func (f *Firestore) GetSession(ctx context.Context, id model.SessionID) (*model.SessionRecord, error) {
	snap, err := f.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrSessionNotFound, "session record not found", goerr.V("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
	}

	var record model.SessionRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session", goerr.V("session_id", id))
	}
	return &record, nil
}

func (f *Firestore) DeleteSession(ctx context.Context, id model.SessionID) error {
	if _, err := f.doc(id).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return goerr.Wrap(err, "failed to delete session", goerr.V("session_id", id))
	}
	return nil
}

func (f *Firestore) ListSessions(ctx context.Context) ([]*model.SessionRecord, error) {
	iter := f.client.Collection(f.collection).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*model.SessionRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate sessions")
		}

		var record model.SessionRecord
		if err := snap.DataTo(&record); err != nil {
			return nil, goerr.Wrap(err, "failed to decode session", goerr.V("doc_id", snap.Ref.ID))
		}
		out = append(out, &record)
	}
	return out, nil
}
