package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// ParseSessionID accepts only ids in the form issued by NewSessionID. The result is the
// canonical form, so it is safe to embed in storage keys.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", goerr.Wrap(ErrValidation, "malformed session_id", goerr.V("session_id", s))
	}
	return SessionID(id.String()), nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts s into a Role. Only "user" and "assistant" are accepted.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	default:
		return "", goerr.Wrap(ErrValidation, "invalid turn role", goerr.V("role", s))
	}
}

// Turn is one message of a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRecord is the durable metadata of a session. The transcript, index and history
// are stored as blobs next to it; the API key is never part of it.
type SessionRecord struct {
	ID             SessionID `firestore:"id" json:"id"`
	VideoURL       string    `firestore:"video_url" json:"video_url"`
	VideoID        VideoID   `firestore:"video_id" json:"video_id"`
	Language       string    `firestore:"language" json:"language"`
	ChunkCount     int       `firestore:"chunk_count" json:"chunk_count"`
	Dimension      int       `firestore:"dimension" json:"dimension"`
	EmbeddingModel string    `firestore:"embedding_model" json:"embedding_model"`
	CreatedAt      time.Time `firestore:"created_at" json:"created_at"`
	LastAccessedAt time.Time `firestore:"last_accessed_at" json:"last_accessed_at"`
}

// Health is the liveness report of the service.
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
