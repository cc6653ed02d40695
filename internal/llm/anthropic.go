package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/sse"
	"github.com/capitalize-ai/appforge/pkg/logger"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicSource streams from the Anthropic Messages API and re-encodes the
// text deltas as OpenAI-shaped chunks, so consumers see one wire format.
type AnthropicSource struct {
	logger *logger.Logger
	opts   []option.RequestOption
}

// NewAnthropicSource creates an Anthropic source. Extra options are applied
// to every client, after the per-request API key.
func NewAnthropicSource(log *logger.Logger, opts ...option.RequestOption) *AnthropicSource {
	if log == nil {
		log = logger.Nop()
	}
	return &AnthropicSource{logger: log, opts: opts}
}

// Open starts the stream. The first event is read before returning so that
// rejected credentials surface as errors rather than as an empty body.
func (s *AnthropicSource) Open(ctx context.Context, req *StreamRequest) (io.ReadCloser, error) {
	if req.Credential == "" {
		return nil, ErrMissingCredential
	}

	model := req.Model
	if !strings.HasPrefix(model, "claude") {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	opts := append([]option.RequestOption{option.WithAPIKey(req.Credential)}, s.opts...)
	client := anthropic.NewClient(opts...)

	ctx, cancel := context.WithCancel(ctx)
	stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       anthropic.F(model),
		MaxTokens:   anthropic.F(int64(maxTokens)),
		Temperature: anthropic.F(req.Temperature),
		Messages:    anthropic.F(toAnthropicMessages(req.Messages)),
	})

	if !stream.Next() {
		err := stream.Err()
		cancel()
		if err == nil {
			return nil, errors.New("anthropic stream ended before any event")
		}
		return nil, classifyAnthropicError(err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		w := sse.NewWriter(pw, model)

		for {
			event := stream.Current()
			if event.Type == anthropic.MessageStreamEventTypeContentBlockDelta && event.Delta.Type == "text_delta" {
				if err := w.WriteDelta(event.Delta.Text); err != nil {
					return
				}
			}
			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil {
			s.logger.Warn("anthropic stream interrupted", zap.Error(err))
			pw.CloseWithError(err)
			return
		}
		if err := w.WriteDone(); err != nil {
			return
		}
		pw.Close()
	}()

	return &pipeBody{PipeReader: pr, cancel: cancel}, nil
}

type pipeBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b *pipeBody) Close() error {
	b.cancel()
	return b.PipeReader.Close()
}

// toAnthropicMessages converts the history. System turns are not messages in
// the Anthropic API; their text is prepended to the first user turn.
func toAnthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	var system []string
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		content := msg.Content
		if len(system) > 0 && msg.Role == "user" {
			content = strings.Join(append(system, content), "\n\n")
			system = nil
		}
		out = append(out, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(content),
				},
			}),
		})
	}
	return out
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
