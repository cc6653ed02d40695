// Package llm opens streaming chat completions against upstream providers.
package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/capitalize-ai/appforge/pkg/logger"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest describes one streaming completion call.
type StreamRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int

	// Credential is forwarded upstream as a bearer token. It is never
	// persisted or logged.
	Credential string
}

// Source opens one upstream streaming completion. The returned body yields
// the raw event stream bytes in OpenAI chunk format and must be closed by
// the caller. Cancelling ctx aborts the request and the body.
type Source interface {
	Open(ctx context.Context, req *StreamRequest) (io.ReadCloser, error)
}

// Provider is the type of upstream provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// NewSource creates a source for the given provider.
func NewSource(provider Provider, baseURL string, log *logger.Logger) (Source, error) {
	switch provider {
	case ProviderOpenAI, "":
		return NewHTTPSource(baseURL, WithLogger(log)), nil
	case ProviderAnthropic:
		return NewAnthropicSource(log), nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", provider)
	}
}
