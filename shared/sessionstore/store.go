// Package sessionstore persists chat sessions and the question/answer
// messages recorded inside them.
package sessionstore

import (
	"context"
	"strings"

	"fitness-rag/shared/logger"
	"fitness-rag/shared/types"
)

// DefaultTitle is used when a session is created without one
const DefaultTitle = "New Search"

// NewMessage carries the fields a caller supplies when recording a message
type NewMessage struct {
	SessionID string         `json:"session_id"`
	Question  string         `json:"question"`
	Answer    string         `json:"answer"`
	Sources   []types.Source `json:"sources"`
}

// Store is implemented by every session backend.
// Lookups of an unknown session return a NOT_FOUND AppError.
type Store interface {
	ListSessions(ctx context.Context) ([]types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
	CreateSession(ctx context.Context, title string) (*types.Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) (*types.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]types.Message, error)
	CreateMessage(ctx context.Context, msg NewMessage) (*types.Message, error)
	Close() error
}

func sessionNotFound(id string) error {
	return logger.NewAppErrorWithMetadata(logger.ErrorTypeNotFound, "session not found", nil,
		map[string]interface{}{"session_id": id})
}

func titleOrDefault(title string) string {
	if strings.TrimSpace(title) == "" {
		return DefaultTitle
	}
	return title
}

func validateMessage(msg NewMessage) error {
	if msg.SessionID == "" {
		return logger.NewAppError(logger.ErrorTypeData, "session_id is required", nil)
	}
	if strings.TrimSpace(msg.Question) == "" {
		return logger.NewAppError(logger.ErrorTypeData, "question is required", nil)
	}
	return nil
}

func sourcesOrEmpty(sources []types.Source) []types.Source {
	if sources == nil {
		return []types.Source{}
	}
	return sources
}
