package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// Writer encodes deltas as chat completion chunk events. Every frame is
// flushed immediately when the destination supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	model   string
	created int64
}

// NewWriter creates a writer whose chunks report the given model.
func NewWriter(w io.Writer, model string) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// WriteDelta sends one content delta.
func (w *Writer) WriteDelta(content string) error {
	chunk := openai.ChatCompletionStreamResponse{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: content}},
		},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return w.frame("", data)
}

// WriteDone sends the end-of-stream sentinel.
func (w *Writer) WriteDone() error {
	return w.frame("", []byte(Sentinel))
}

// WriteEvent sends a named event with a JSON payload.
func (w *Writer) WriteEvent(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.frame(event, data)
}

func (w *Writer) frame(event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "%s%s\n\n", DataPrefix, data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
