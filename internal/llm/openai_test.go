package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSource_Open(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL + "/")
	body, err := src.Open(context.Background(), &StreamRequest{
		Model:       "openai",
		Messages:    []ChatMessage{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hello"}},
		Temperature: 0.2,
		MaxTokens:   9000,
		Credential:  "sk-test",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "openai", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	assert.InDelta(t, 0.2, gotBody["temperature"], 1e-6)
	assert.EqualValues(t, 9000, gotBody["max_tokens"])
	assert.Len(t, gotBody["messages"], 2)
	assert.Contains(t, string(raw), "data: [DONE]")
}

func TestHTTPSource_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		message   string
	}{
		{http.StatusBadRequest, false, "upstream error: 400 - nope"},
		{http.StatusUnauthorized, false, "authentication failed: please reconnect your account"},
		{http.StatusPaymentRequired, false, "insufficient balance: please add credit to your account"},
		{http.StatusForbidden, false, "access denied: check your API key permissions"},
		{http.StatusTooManyRequests, true, "upstream error: 429 - nope"},
		{http.StatusBadGateway, true, "upstream error: 502 - nope"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, "nope\n")
			}))
			defer server.Close()

			_, err := NewHTTPSource(server.URL).Open(context.Background(), &StreamRequest{Credential: "k"})
			require.Error(t, err)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.message, err.Error())
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestHTTPSource_MissingCredential(t *testing.T) {
	_, err := NewHTTPSource("http://127.0.0.1:0").Open(context.Background(), &StreamRequest{})
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.False(t, IsRetryable(err))
}

func TestHTTPSource_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPSource(server.URL).Open(ctx, &StreamRequest{Credential: "k"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
	assert.True(t, IsRetryable(&StatusError{StatusCode: http.StatusRequestTimeout}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusNotFound}))
}
