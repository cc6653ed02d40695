// Package service provides chat operations on top of the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/internal/store"
	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/metrics"
)

// ErrForbidden is returned when a chat belongs to another user.
var ErrForbidden = errors.New("access denied")

const titleMaxLength = 60

// SystemPrompt seeds every new chat.
const SystemPrompt = `You are an expert frontend engineer who builds single-file React apps.
Reply with a short explanation followed by one complete code block containing the whole app.
Use TypeScript and Tailwind classes, import nothing beyond React, and export the App component as default.
Never elide code with placeholders or comments such as "rest of the code here".`

// ChatService handles chat and message operations.
type ChatService struct {
	store        store.Store
	defaultModel string
	logger       *logger.Logger
}

// NewChatService creates a new chat service.
func NewChatService(s store.Store, defaultModel string, log *logger.Logger) *ChatService {
	if log == nil {
		log = logger.Nop()
	}
	return &ChatService{store: s, defaultModel: defaultModel, logger: log}
}

// DefaultModel returns the model used when a request names none.
func (s *ChatService) DefaultModel() string {
	return s.defaultModel
}

// Create starts a chat owned by userID, seeding the system prompt and the
// user's request. The returned LastMessageID is the message to complete.
func (s *ChatService) Create(ctx context.Context, userID string, req *model.CreateChatRequest) (*model.CreateChatResponse, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = s.defaultModel
	}
	quality := req.Quality
	if quality == "" {
		quality = model.QualityHigh
	}

	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     titleFromPrompt(req.Prompt),
		Prompt:    req.Prompt,
		Model:     modelName,
		Quality:   quality,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	system, err := s.store.AppendMessage(ctx, chat.ID, model.RoleSystem, SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to store system prompt: %w", err)
	}
	user, err := s.store.AppendMessage(ctx, chat.ID, model.RoleUser, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to store prompt: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleSystem)).Inc()
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	s.logger.Info("chat created",
		zap.String("chat_id", chat.ID),
		zap.String("model", chat.Model),
		zap.String("quality", string(chat.Quality)),
	)

	return &model.CreateChatResponse{
		Chat:          chat,
		LastMessageID: user.ID,
		Messages:      []model.Message{*system, *user},
	}, nil
}

// Get returns a chat and its messages.
func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*model.ChatWithMessages, error) {
	chat, err := s.authorize(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.LoadMessages(ctx, chatID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ChatWithMessages{Chat: *chat, Messages: msgs}, nil
}

// AppendMessage adds a user or assistant message to a chat.
func (s *ChatService) AppendMessage(ctx context.Context, userID, chatID string, req *model.CreateMessageRequest) (*model.Message, error) {
	if _, err := s.authorize(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msg, err := s.store.AppendMessage(ctx, chatID, req.Role, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(req.Role)).Inc()
	return msg, nil
}

// ResolveMessage returns a message and its chat, checking ownership.
func (s *ChatService) ResolveMessage(ctx context.Context, userID, messageID string) (*model.Chat, *model.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	chat, err := s.authorize(ctx, userID, msg.ChatID)
	if err != nil {
		return nil, nil, err
	}
	return chat, msg, nil
}

func (s *ChatService) authorize(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, ErrForbidden
	}
	return chat, nil
}

// titleFromPrompt takes the first line of the prompt, cut at a word boundary.
func titleFromPrompt(prompt string) string {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= titleMaxLength {
		return title
	}
	runes := []rune(title)[:titleMaxLength]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > titleMaxLength/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
