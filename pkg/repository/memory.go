package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
)

// Memory keeps session records in process memory. It is used when no durable backend is
// configured and in tests.
type Memory struct {
	mu      sync.RWMutex
	records map[model.SessionID]model.SessionRecord
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[model.SessionID]model.SessionRecord),
	}
}

func (m *Memory) PutSession(ctx context.Context, record *model.SessionRecord) error {
	if record == nil || record.ID == "" {
		return goerr.Wrap(model.ErrValidation, "session record must have an ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = *record
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id model.SessionID) (*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrSessionNotFound, "session record not found", goerr.V("session_id", id))
	}
	return &record, nil
}

func (m *Memory) DeleteSession(ctx context.Context, id model.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) ListSessions(ctx context.Context) ([]*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.SessionRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, &record)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []*model.SessionRecord) {
	slices.SortFunc(records, func(a, b *model.SessionRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
