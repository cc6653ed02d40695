package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one immutable entry in a chat. Position is assigned by the
// store at append time and is strictly increasing within a chat.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Position  uint64    `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateMessageRequest appends a message to a chat.
type CreateMessageRequest struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest asks for a streamed completion continuing from a message.
type CompletionRequest struct {
	MessageID string `json:"messageId"`
	Model     string `json:"model,omitempty"`
}
