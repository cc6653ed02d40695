package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/appforge/internal/model"
)

const (
	// MaxMessageLength is the longest message text accepted, in characters.
	MaxMessageLength = 50000
	maxModelLength   = 100
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return errors.New("content is too long (max 50,000 characters)")
	}
	return nil
}

// ValidateMessageRole accepts the roles a client may append.
func ValidateMessageRole(role model.Role) error {
	if role != model.RoleUser && role != model.RoleAssistant {
		return errors.New("role must be user or assistant")
	}
	return nil
}

// ValidateChatID validates a chat ID.
func ValidateChatID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid chat ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateModel validates an optional model name.
func ValidateModel(name string) error {
	if len(name) > maxModelLength {
		return errors.New("model exceeds maximum length")
	}
	return nil
}

// ValidateQuality validates an optional quality tier.
func ValidateQuality(q model.Quality) error {
	switch q {
	case "", model.QualityHigh, model.QualityLow:
		return nil
	}
	return errors.New("quality must be high or low")
}
