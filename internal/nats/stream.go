package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/internal/store"
	"github.com/capitalize-ai/appforge/pkg/logger"
)

const (
	// StreamName is the name of the chat messages stream.
	StreamName = "APPFORGE_MESSAGES"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"

	// ChatBucket holds chat records keyed by chat ID.
	ChatBucket = "APPFORGE_CHATS"

	// IndexBucket maps message IDs to their chat and stream sequence.
	IndexBucket = "APPFORGE_MESSAGE_INDEX"

	fetchBatch    = 256
	touchAttempts = 3
)

// MessageSubject returns the subject carrying a chat's messages.
func MessageSubject(chatID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, chatID)
}

type indexEntry struct {
	ChatID   string `json:"chat_id"`
	Position uint64 `json:"position"`
}

// Store persists chats in JetStream. Messages are appended to one stream, so
// a message's position is its stream sequence, assigned by the server.
type Store struct {
	client *Client
	js     jetstream.JetStream
	chats  jetstream.KeyValue
	index  jetstream.KeyValue
	logger *logger.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore ensures the stream and buckets exist and returns a store.
func NewStore(ctx context.Context, client *Client, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{client: client, js: client.JetStream(), logger: log}

	if err := s.EnsureStream(ctx); err != nil {
		return nil, err
	}

	var err error
	if s.chats, err = s.ensureBucket(ctx, ChatBucket, "Chat records"); err != nil {
		return nil, err
	}
	if s.index, err = s.ensureBucket(ctx, IndexBucket, "Message id to chat and position"); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureStream ensures the messages stream exists with proper configuration.
func (s *Store) EnsureStream(ctx context.Context) error {
	_, err := s.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Chat messages in append order",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	s.logger.Info("created message stream", zap.String("stream", StreamName))
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket, description string) (jetstream.KeyValue, error) {
	kv, err := s.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", bucket, err)
	}

	kv, err = s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	s.logger.Info("created key-value bucket", zap.String("bucket", bucket))
	return kv, nil
}

func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) error {
	if chat.ID == "" {
		return errors.New("chat id is required")
	}
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	if _, err := s.chats.Create(ctx, chat.ID, data); err != nil {
		return fmt.Errorf("failed to store chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	entry, err := s.chats.Get(ctx, chatID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	var chat model.Chat
	if err := json.Unmarshal(entry.Value(), &chat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return &chat, nil
}

func (s *Store) AppendMessage(ctx context.Context, chatID string, role model.Role, content string) (*model.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.js.Publish(ctx, MessageSubject(chatID), data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	msg.Position = ack.Sequence

	ref, err := json.Marshal(indexEntry{ChatID: chatID, Position: msg.Position})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal index entry: %w", err)
	}
	if _, err := s.index.Put(ctx, msg.ID, ref); err != nil {
		return nil, fmt.Errorf("failed to index message: %w", err)
	}

	if err := s.touchChat(ctx, chatID, msg.CreatedAt); err != nil {
		s.logger.Warn("failed to update chat timestamp", zap.String("chat_id", chatID), zap.Error(err))
	}

	return msg, nil
}

// touchChat moves the chat's UpdatedAt forward to at. Writes are guarded by
// the entry revision and retried when a concurrent append got there first.
func (s *Store) touchChat(ctx context.Context, chatID string, at time.Time) error {
	for i := 0; i < touchAttempts; i++ {
		entry, err := s.chats.Get(ctx, chatID)
		if err != nil {
			return err
		}
		data, changed, err := advanceUpdatedAt(entry.Value(), at)
		if err != nil || !changed {
			return err
		}
		_, err = s.chats.Update(ctx, chatID, data, entry.Revision())
		if err == nil || !errors.Is(err, jetstream.ErrKeyExists) {
			return err
		}
	}
	return fmt.Errorf("chat %s updated concurrently %d times", chatID, touchAttempts)
}

// advanceUpdatedAt returns the chat record with UpdatedAt set to at, and
// false when the record is already at or past it.
func advanceUpdatedAt(data []byte, at time.Time) ([]byte, bool, error) {
	var chat model.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	if !chat.UpdatedAt.Before(at) {
		return nil, false, nil
	}
	chat.UpdatedAt = at
	out, err := json.Marshal(&chat)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal chat: %w", err)
	}
	return out, true, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	entry, err := s.index.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message index: %w", err)
	}

	var ref indexEntry
	if err := json.Unmarshal(entry.Value(), &ref); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index entry: %w", err)
	}

	stream, err := s.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	raw, err := stream.GetMsg(ctx, ref.Position)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return decodeMessage(raw.Data, raw.Sequence)
}

// LoadMessages reads the chat's subject with an ordered consumer. The
// subject's message count is taken first so the read stops without waiting
// on an empty fetch.
func (s *Store) LoadMessages(ctx context.Context, chatID string, uptoPosition uint64) ([]model.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	subject := MessageSubject(chatID)
	stream, err := s.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	total := info.State.Subjects[subject]
	if total == 0 {
		return nil, nil
	}

	consumer, err := s.js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	messages := make([]model.Message, 0, total)
	var seen uint64
	for seen < total {
		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for raw := range batch.Messages() {
			received++
			seen++
			meta, err := raw.Metadata()
			if err != nil {
				return nil, fmt.Errorf("failed to read message metadata: %w", err)
			}
			if uptoPosition > 0 && meta.Sequence.Stream > uptoPosition {
				return messages, nil
			}
			msg, err := decodeMessage(raw.Data(), meta.Sequence.Stream)
			if err != nil {
				s.logger.Warn("skipping undecodable message",
					zap.String("chat_id", chatID),
					zap.Uint64("position", meta.Sequence.Stream),
					zap.Error(err),
				)
				continue
			}
			messages = append(messages, *msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
	}

	return messages, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func decodeMessage(data []byte, position uint64) (*model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.Position = position
	return &msg, nil
}
