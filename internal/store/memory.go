package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/appforge/internal/model"
)

// Memory is a process-local Store. Positions come from one counter shared by
// all chats, like the sequence of a message stream.
type Memory struct {
	mu       sync.RWMutex
	seq      uint64
	chats    map[string]*model.Chat
	messages map[string][]model.Message
	index    map[string]model.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chats:    make(map[string]*model.Chat),
		messages: make(map[string][]model.Message),
		index:    make(map[string]model.Message),
	}
}

func (m *Memory) CreateChat(ctx context.Context, chat *model.Chat) error {
	if chat.ID == "" {
		return fmt.Errorf("chat id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chat.ID]; ok {
		return fmt.Errorf("chat %s already exists", chat.ID)
	}
	c := *chat
	m.chats[chat.ID] = &c
	return nil
}

func (m *Memory) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *chat
	return &c, nil
}

func (m *Memory) AppendMessage(ctx context.Context, chatID string, role model.Role, content string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}

	m.seq++
	now := time.Now().UTC()
	msg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Position:  m.seq,
		CreatedAt: now,
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	m.index[msg.ID] = msg
	chat.UpdatedAt = now
	return &msg, nil
}

func (m *Memory) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.index[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (m *Memory) LoadMessages(ctx context.Context, chatID string, uptoPosition uint64) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.chats[chatID]; !ok {
		return nil, ErrNotFound
	}
	var out []model.Message
	for _, msg := range m.messages[chatID] {
		if uptoPosition > 0 && msg.Position > uptoPosition {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
