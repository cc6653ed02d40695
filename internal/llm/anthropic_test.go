package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/appforge/internal/sse"
)

func messagesEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func messagesStream(texts ...string) string {
	var b strings.Builder
	b.WriteString(messagesEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-3-5-sonnet-20241022","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}`))
	b.WriteString(messagesEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	for _, text := range texts {
		b.WriteString(messagesEvent("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text)))
	}
	b.WriteString(messagesEvent("content_block_stop", `{"type":"content_block_stop","index":0}`))
	b.WriteString(messagesEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":4}}`))
	b.WriteString(messagesEvent("message_stop", `{"type":"message_stop"}`))
	return b.String()
}

func newAnthropicTestSource(t *testing.T, handler http.HandlerFunc) *AnthropicSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropicSource(nil, option.WithBaseURL(server.URL+"/"), option.WithMaxRetries(0))
}

func TestAnthropicSource_Open(t *testing.T) {
	var gotKey, gotPath string
	src := newAnthropicTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, messagesStream("Hello", ", world"))
	})

	body, err := src.Open(context.Background(), &StreamRequest{
		Model:      "claude-3-5-sonnet-20241022",
		Messages:   []ChatMessage{{Role: "user", Content: "hi"}},
		Credential: "sk-ant-test",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", gotKey)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.True(t, strings.HasSuffix(string(raw), "data: [DONE]\n\n"))

	d := sse.NewDecoder(nil)
	d.Feed(raw)
	d.Flush()
	assert.Equal(t, "Hello, world", d.Content())
	assert.True(t, d.Done())
}

func TestAnthropicSource_Unauthorized(t *testing.T) {
	src := newAnthropicTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})

	_, err := src.Open(context.Background(), &StreamRequest{
		Messages:   []ChatMessage{{Role: "user", Content: "hi"}},
		Credential: "sk-ant-revoked",
	})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.False(t, IsRetryable(err))
}

func TestAnthropicSource_MissingCredential(t *testing.T) {
	_, err := NewAnthropicSource(nil).Open(context.Background(), &StreamRequest{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestToAnthropicMessages(t *testing.T) {
	tests := []struct {
		name  string
		in    []ChatMessage
		roles []anthropic.MessageParamRole
		texts []string
	}{
		{
			name:  "system folded into first user turn",
			in:    []ChatMessage{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hello"}},
			roles: []anthropic.MessageParamRole{anthropic.MessageParamRoleUser},
			texts: []string{"be terse\n\nhello"},
		},
		{
			name: "later turns untouched",
			in: []ChatMessage{
				{Role: "system", Content: "a"},
				{Role: "system", Content: "b"},
				{Role: "user", Content: "q1"},
				{Role: "assistant", Content: "r1"},
				{Role: "user", Content: "q2"},
			},
			roles: []anthropic.MessageParamRole{
				anthropic.MessageParamRoleUser,
				anthropic.MessageParamRoleAssistant,
				anthropic.MessageParamRoleUser,
			},
			texts: []string{"a\n\nb\n\nq1", "r1", "q2"},
		},
		{
			name:  "no system",
			in:    []ChatMessage{{Role: "user", Content: "only"}},
			roles: []anthropic.MessageParamRole{anthropic.MessageParamRoleUser},
			texts: []string{"only"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := toAnthropicMessages(tt.in)
			require.Len(t, out, len(tt.roles))
			for i, msg := range out {
				assert.Equal(t, tt.roles[i], msg.Role.Value)
				require.Len(t, msg.Content.Value, 1)
				block, ok := msg.Content.Value[0].(anthropic.TextBlockParam)
				require.True(t, ok)
				assert.Equal(t, tt.texts[i], block.Text.Value)
			}
		})
	}
}
