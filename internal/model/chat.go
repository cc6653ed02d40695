// Package model defines data structures for the app builder.
package model

import (
	"time"
)

// Quality is the generation quality tier of a chat.
type Quality string

const (
	QualityHigh Quality = "high"
	QualityLow  Quality = "low"
)

// Chat is an ordered sequence of messages generating one app.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	Quality   Quality   `json:"quality"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateChatRequest is the request to start a new chat.
type CreateChatRequest struct {
	Prompt  string  `json:"prompt"`
	Model   string  `json:"model"`
	Quality Quality `json:"quality"`
}

// CreateChatResponse returns the new chat and the message to complete.
type CreateChatResponse struct {
	Chat          *Chat     `json:"chat"`
	LastMessageID string    `json:"last_message_id"`
	Messages      []Message `json:"messages"`
}

// ChatWithMessages is a chat together with its ordered history.
type ChatWithMessages struct {
	Chat
	Messages []Message `json:"messages"`
}
