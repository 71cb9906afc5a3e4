package repository

import (
	"context"

	"github.com/m-mizutani/ytchat/pkg/model"
)

// Repository defines the interface for session metadata persistence
type Repository interface {
	// PutSession saves a session record, overwriting any record with the same ID
	PutSession(ctx context.Context, record *model.SessionRecord) error

	// GetSession retrieves a session record by ID. It returns model.ErrSessionNotFound
	// when no record exists.
	GetSession(ctx context.Context, id model.SessionID) (*model.SessionRecord, error)

	// DeleteSession removes a session record. Deleting an absent record is not an error.
	DeleteSession(ctx context.Context, id model.SessionID) error

	// ListSessions retrieves every stored session record, oldest first
	ListSessions(ctx context.Context) ([]*model.SessionRecord, error)
}
