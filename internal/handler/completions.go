package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/engine"
	"github.com/capitalize-ai/appforge/internal/middleware"
	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/internal/service"
	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/metrics"
)

const maxCompletionBody = 4 * 1024

// Streamer runs a generation and writes it as an event stream.
type Streamer interface {
	Stream(ctx context.Context, w io.Writer, gen engine.Generation) (*engine.Result, error)
}

// CompletionHandler handles the streamed completion endpoint.
type CompletionHandler struct {
	chats    *service.ChatService
	streamer Streamer
	logger   *logger.Logger
}

// NewCompletionHandler creates a new completion handler.
func NewCompletionHandler(chats *service.ChatService, streamer Streamer, log *logger.Logger) *CompletionHandler {
	return &CompletionHandler{
		chats:    chats,
		streamer: streamer,
		logger:   log,
	}
}

// Stream handles POST /api/v1/completions/stream
// The response is an event stream of chunk deltas ending with a single
// sentinel, or with an error event when generation fails.
func (h *CompletionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CompletionRequest
	if err := decodeJSON(w, r, maxCompletionBody, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateModel(req.Model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chat, msg, err := h.chats.ResolveMessage(ctx, userID, req.MessageID)
	if err != nil {
		if writeLookupError(w, err, "message") {
			return
		}
		h.logger.Error("failed to resolve message", zap.String("message_id", req.MessageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}

	modelName := req.Model
	if modelName == "" {
		modelName = chat.Model
	}
	if modelName == "" {
		modelName = h.chats.DefaultModel()
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithRequest(middleware.GetCorrelationID(ctx), middleware.GetUserID(ctx)).With(
		zap.String("chat_id", chat.ID),
		zap.String("message_id", msg.ID),
		zap.String("model", modelName),
	)

	result, err := h.streamer.Stream(ctx, w, engine.Generation{
		ChatID:     chat.ID,
		Target:     msg,
		Model:      modelName,
		Credential: middleware.GetCredential(ctx),
	})
	switch {
	case errors.Is(err, engine.ErrCancelled):
		log.Info("client disconnected during generation")
	case err != nil:
		log.Warn("generation failed", zap.Error(err))
	default:
		log.Info("generation completed",
			zap.Int("rounds", result.Rounds),
			zap.Int("content_length", len(result.Content)),
		)
	}
}
