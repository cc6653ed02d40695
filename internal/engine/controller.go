package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/completeness"
	"github.com/capitalize-ai/appforge/internal/llm"
	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/internal/sse"
	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/metrics"
)

// ErrNoContent is returned when a generation finished without any text.
var ErrNoContent = errors.New("no content generated")

// MessageStore is the persistence the controller needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, chatID string, role model.Role, content string) (*model.Message, error)
	LoadMessages(ctx context.Context, chatID string, uptoPosition uint64) ([]model.Message, error)
}

// ControllerConfig holds the sampling and chaining settings.
type ControllerConfig struct {
	Temperature float64
	MaxTokens   int
	// HistoryLimit is the longest history sent upstream. Longer histories
	// keep their first three messages and the most recent ones.
	HistoryLimit int
	// MaxContinuations caps the continuation rounds of one generation.
	// Zero means no cap.
	MaxContinuations int
}

// DefaultControllerConfig returns the production defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Temperature:  0.2,
		MaxTokens:    9000,
		HistoryLimit: 10,
	}
}

const historyHead = 3

// Generation identifies what to complete and on whose behalf.
type Generation struct {
	ChatID string
	Target *model.Message
	Model  string
	// Credential is forwarded upstream and never persisted.
	Credential string
}

// Result summarizes a finished generation.
type Result struct {
	Rounds   int
	Messages []*model.Message
	Content  string
}

// Controller streams a generation to a client and chains continuation
// rounds while the finished text looks truncated.
type Controller struct {
	orch     *Orchestrator
	store    MessageStore
	detector *completeness.Detector
	cfg      ControllerConfig
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewController creates a controller. A nil detector uses the default
// thresholds.
func NewController(orch *Orchestrator, store MessageStore, detector *completeness.Detector, cfg ControllerConfig, log *logger.Logger) *Controller {
	if detector == nil {
		detector = completeness.Default
	}
	if cfg.HistoryLimit <= historyHead {
		cfg.HistoryLimit = DefaultControllerConfig().HistoryLimit
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		orch:     orch,
		store:    store,
		detector: detector,
		cfg:      cfg,
		logger:   log,
		tracer:   otel.Tracer("github.com/capitalize-ai/appforge/internal/engine"),
	}
}

// Stream runs the generation and writes it to w as one event stream: a data
// event per delta and a single final sentinel. Assistant text is persisted
// after every round. When the first round fails, any partial text is
// persisted and an error event is written instead of the sentinel; a failed
// continuation round ends the stream normally with what was produced.
func (c *Controller) Stream(ctx context.Context, w io.Writer, gen Generation) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "stream.generation", trace.WithAttributes(
		attribute.String("chat.id", gen.ChatID),
		attribute.String("message.id", gen.Target.ID),
	))
	defer span.End()

	out := sse.NewWriter(w, gen.Model)
	log := c.logger.With(zap.String("chat_id", gen.ChatID))
	result := &Result{}
	target := gen.Target

	for {
		result.Rounds++
		round, err := c.round(ctx, out, gen, target, log)
		if round.message != nil {
			result.Messages = append(result.Messages, round.message)
			result.Content += round.message.Content
		}

		if err != nil {
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				return result, err
			}
			if result.Rounds == 1 {
				c.writeError(out, err, log)
				return result, err
			}
			metrics.ContinuationsTotal.WithLabelValues("failed").Inc()
			log.Warn("continuation round failed, finishing with produced content",
				zap.Int("round", result.Rounds),
				zap.Error(err),
			)
			return result, c.finish(out)
		}

		if !c.detector.IsIncomplete(round.text) {
			return result, c.finish(out)
		}
		if c.cfg.MaxContinuations > 0 && result.Rounds > c.cfg.MaxContinuations {
			metrics.ContinuationsTotal.WithLabelValues("limit_reached").Inc()
			log.Warn("continuation limit reached", zap.Int("rounds", result.Rounds))
			return result, c.finish(out)
		}

		prompt := completeness.ContinuationPrompt(round.text)
		next, err := c.store.AppendMessage(ctx, gen.ChatID, model.RoleUser, prompt)
		if err != nil {
			metrics.ContinuationsTotal.WithLabelValues("failed").Inc()
			log.Warn("failed to persist continuation prompt, finishing", zap.Error(err))
			return result, c.finish(out)
		}
		metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
		metrics.ContinuationsTotal.WithLabelValues("started").Inc()
		log.Info("response looks incomplete, continuing",
			zap.String("reason", string(c.detector.Check(round.text))),
			zap.Int("round", result.Rounds),
			zap.String("message_id", next.ID),
		)
		target = next
	}
}

type roundResult struct {
	text    string
	message *model.Message
}

// round runs one orchestrator session and persists its assistant text.
func (c *Controller) round(ctx context.Context, out *sse.Writer, gen Generation, target *model.Message, log *logger.Logger) (roundResult, error) {
	history, err := c.store.LoadMessages(ctx, gen.ChatID, target.Position)
	if err != nil {
		return roundResult{}, fmt.Errorf("failed to load history: %w", err)
	}

	req := &llm.StreamRequest{
		Model:       gen.Model,
		Messages:    toChatMessages(trimHistory(history, c.cfg.HistoryLimit)),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Credential:  gen.Credential,
	}

	var partial string
	sess := c.orch.Start(ctx, req, SessionOptions{
		TargetMessageID:  target.ID,
		ChatID:           gen.ChatID,
		OnPartialContent: func(content string) { partial = content },
	})
	defer sess.Cancel()

	stream := sse.NewStream(sess, c.logger.WithSession(sess.ID, gen.ChatID, target.ID))
	var writeErr error
	stream.OnContent(func(delta, _ string) {
		if writeErr != nil {
			return
		}
		if writeErr = out.WriteDelta(delta); writeErr != nil {
			stream.Cancel()
		}
	})

	runErr := stream.Run(ctx)
	if writeErr != nil {
		return roundResult{}, fmt.Errorf("%w: client write failed: %v", ErrCancelled, writeErr)
	}
	<-sess.Done()

	switch sess.State() {
	case StateCancelled:
		return roundResult{}, ErrCancelled
	case StateFailed:
		res := roundResult{text: partial}
		if strings.TrimSpace(partial) != "" {
			msg, perr := c.persistAssistant(ctx, gen.ChatID, partial)
			if perr != nil {
				log.Error("failed to persist partial content", zap.Error(perr))
			} else {
				res.message = msg
			}
		}
		return res, sess.Err()
	}

	if runErr != nil {
		log.Debug("relay ended with error after success", zap.Error(runErr))
	}

	text := sess.Content()
	if strings.TrimSpace(text) == "" {
		return roundResult{}, ErrNoContent
	}
	msg, err := c.persistAssistant(ctx, gen.ChatID, text)
	if err != nil {
		return roundResult{text: text}, fmt.Errorf("failed to persist assistant message: %w", err)
	}
	return roundResult{text: text, message: msg}, nil
}

func (c *Controller) persistAssistant(ctx context.Context, chatID, text string) (*model.Message, error) {
	msg, err := c.store.AppendMessage(ctx, chatID, model.RoleAssistant, strings.TrimSpace(text))
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	return msg, nil
}

func (c *Controller) finish(out *sse.Writer) error {
	if err := out.WriteDone(); err != nil {
		return fmt.Errorf("%w: client write failed: %v", ErrCancelled, err)
	}
	return nil
}

func (c *Controller) writeError(out *sse.Writer, err error, log *logger.Logger) {
	event := model.ErrorEvent{Code: errorCode(err), Message: err.Error()}
	if werr := out.WriteEvent("error", event); werr != nil {
		log.Debug("failed to write error event", zap.Error(werr))
	}
}

func errorCode(err error) string {
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized:
			return "unauthorized"
		case http.StatusPaymentRequired:
			return "payment_required"
		case http.StatusForbidden:
			return "forbidden"
		}
		return "upstream_error"
	}
	switch {
	case errors.Is(err, llm.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrNoContent):
		return "no_content"
	}
	return "stream_failed"
}

// trimHistory keeps the first messages, which carry the system prompt and
// the original request, and the most recent ones.
func trimHistory(msgs []model.Message, limit int) []model.Message {
	if len(msgs) <= limit {
		return msgs
	}
	out := make([]model.Message, 0, limit)
	out = append(out, msgs[:historyHead]...)
	return append(out, msgs[len(msgs)-(limit-historyHead):]...)
}

func toChatMessages(msgs []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = llm.ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}
