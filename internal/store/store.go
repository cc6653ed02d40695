// Package store defines chat persistence and an in-memory implementation.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/appforge/internal/model"
)

// ErrNotFound is returned when a chat or message does not exist.
var ErrNotFound = errors.New("not found")

// Store persists chats and their append-only message logs.
type Store interface {
	// CreateChat stores a new chat. Its ID must be set.
	CreateChat(ctx context.Context, chat *model.Chat) error

	// GetChat returns the chat with the given ID.
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)

	// AppendMessage stores a message at the next position of the chat and
	// returns it with ID, Position and CreatedAt assigned.
	AppendMessage(ctx context.Context, chatID string, role model.Role, content string) (*model.Message, error)

	// GetMessage returns a message by ID.
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)

	// LoadMessages returns the chat's messages in position order, up to and
	// including uptoPosition. Zero loads every message.
	LoadMessages(ctx context.Context, chatID string, uptoPosition uint64) ([]model.Message, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
