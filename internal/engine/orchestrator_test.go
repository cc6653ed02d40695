package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/appforge/internal/llm"
)

// step scripts one upstream attempt: an error, a body, or a body that hangs
// until the attempt's context ends.
type step struct {
	err  error
	body string
	hang bool
}

type scriptedSource struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	requests []*llm.StreamRequest
	// opened, when set, is closed by the first Open.
	opened chan struct{}
}

func (s *scriptedSource) Open(ctx context.Context, req *llm.StreamRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.steps) {
		return nil, fmt.Errorf("unexpected attempt %d", s.calls+1)
	}
	st := s.steps[s.calls]
	s.calls++
	s.requests = append(s.requests, req)
	if s.opened != nil && s.calls == 1 {
		close(s.opened)
	}
	if st.err != nil {
		return nil, st.err
	}
	if st.hang {
		return &hangingBody{ctx: ctx, prefix: strings.NewReader(st.body)}, nil
	}
	return io.NopCloser(strings.NewReader(st.body)), nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedSource) Requests() []*llm.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.StreamRequest(nil), s.requests...)
}

type hangingBody struct {
	ctx    context.Context
	prefix *strings.Reader
}

func (b *hangingBody) Read(p []byte) (int, error) {
	if b.prefix.Len() > 0 {
		return b.prefix.Read(p)
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *hangingBody) Close() error { return nil }

func chunk(text string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
}

const done = "data: [DONE]\n\n"

func testConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestOrchestrator_SucceedsFirstAttempt(t *testing.T) {
	body := chunk("Hello") + chunk(" world") + done
	src := &scriptedSource{steps: []step{{body: body}}}
	orch := NewOrchestrator(src, testConfig(2), nil)

	sess := orch.Start(context.Background(), &llm.StreamRequest{Model: "openai"}, SessionOptions{TargetMessageID: "m1"})
	raw, err := io.ReadAll(sess)
	require.NoError(t, err)
	waitDone(t, sess)

	assert.Equal(t, body, string(raw))
	assert.Equal(t, StateSucceeded, sess.State())
	assert.Equal(t, 1, sess.Attempts())
	assert.Equal(t, "Hello world", sess.Content())
	assert.Equal(t, "m1", sess.TargetMessageID)
	assert.NotEmpty(t, sess.ID)
	assert.NoError(t, sess.Err())
}

func TestOrchestrator_UnauthorizedFailsWithoutRetry(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{err: &llm.StatusError{StatusCode: http.StatusUnauthorized}},
		{body: chunk("never") + done},
	}}
	orch := NewOrchestrator(src, testConfig(3), nil)

	var partialCalls int
	sess := orch.Start(context.Background(), &llm.StreamRequest{}, SessionOptions{
		OnPartialContent: func(string) { partialCalls++ },
	})
	_, err := io.ReadAll(sess)
	waitDone(t, sess)

	var statusErr *llm.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, 1, sess.Attempts())
	assert.Equal(t, 1, src.Calls())
	assert.Zero(t, partialCalls)
}

func TestOrchestrator_MissingCredentialIsFinal(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: llm.ErrMissingCredential}}}
	sess := NewOrchestrator(src, testConfig(2), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{})
	_, err := io.ReadAll(sess)
	waitDone(t, sess)

	assert.ErrorIs(t, err, llm.ErrMissingCredential)
	assert.Equal(t, 1, src.Calls())
}

func TestOrchestrator_EmptyFirstAttemptRetries(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{body: ""},
		{body: chunk("second") + done},
	}}
	sess := NewOrchestrator(src, testConfig(2), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{})
	raw, err := io.ReadAll(sess)
	require.NoError(t, err)
	waitDone(t, sess)

	assert.Equal(t, StateSucceeded, sess.State())
	assert.Equal(t, 2, sess.Attempts())
	assert.Equal(t, "second", sess.Content())
	assert.Equal(t, chunk("second")+done, string(raw))
}

func TestOrchestrator_RetriesTransientErrors(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{err: &llm.StatusError{StatusCode: http.StatusBadGateway}},
		{err: &llm.StatusError{StatusCode: http.StatusTooManyRequests}},
		{body: chunk("ok") + done},
	}}
	sess := NewOrchestrator(src, testConfig(3), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{})
	_, err := io.ReadAll(sess)
	require.NoError(t, err)
	waitDone(t, sess)

	assert.Equal(t, StateSucceeded, sess.State())
	assert.Equal(t, 3, sess.Attempts())
	assert.Equal(t, "ok", sess.Content())
}

func TestOrchestrator_ExhaustedWithPartialContent(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{body: chunk("a")},
		{body: chunk("b")},
		{body: chunk("c")},
	}}

	var partial []string
	sess := NewOrchestrator(src, testConfig(3), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{
		OnPartialContent: func(content string) { partial = append(partial, content) },
	})
	raw, err := io.ReadAll(sess)
	waitDone(t, sess)

	require.Error(t, err)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.True(t, failed.Partial)
	assert.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Contains(t, err.Error(), "stream failed after 3 attempts")
	assert.Contains(t, err.Error(), "(partial content available)")

	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, []string{"abc"}, partial)
	assert.Equal(t, chunk("a")+chunk("b")+chunk("c"), string(raw))
}

func TestOrchestrator_ExhaustedWithoutContent(t *testing.T) {
	src := &scriptedSource{steps: []step{{body: ""}, {body: ""}}}

	called := false
	sess := NewOrchestrator(src, testConfig(2), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{
		OnPartialContent: func(string) { called = true },
	})
	_, err := io.ReadAll(sess)
	waitDone(t, sess)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.False(t, failed.Partial)
	assert.NotContains(t, err.Error(), "partial content")
	assert.False(t, called)
}

func TestOrchestrator_EmptyRetryAfterContentSucceeds(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{body: chunk("kept")},
		{body: ""},
	}}
	sess := NewOrchestrator(src, testConfig(3), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{})
	_, err := io.ReadAll(sess)
	require.NoError(t, err)
	waitDone(t, sess)

	assert.Equal(t, StateSucceeded, sess.State())
	assert.Equal(t, 2, sess.Attempts())
	assert.Equal(t, "kept", sess.Content())
}

func TestOrchestrator_AttemptTimeoutRetries(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{body: chunk("slow "), hang: true},
		{body: chunk("fast") + done},
	}}
	cfg := testConfig(2)
	cfg.AttemptTimeout = 30 * time.Millisecond

	sess := NewOrchestrator(src, cfg, nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{})
	_, err := io.ReadAll(sess)
	require.NoError(t, err)
	waitDone(t, sess)

	assert.Equal(t, StateSucceeded, sess.State())
	assert.Equal(t, "slow fast", sess.Content())
}

func TestOrchestrator_CancelIsIdempotent(t *testing.T) {
	src := &scriptedSource{steps: []step{{body: chunk("partial"), hang: true}}}

	called := false
	sess := NewOrchestrator(src, testConfig(3), nil).Start(context.Background(), &llm.StreamRequest{}, SessionOptions{
		OnPartialContent: func(string) { called = true },
	})

	buf := make([]byte, 512)
	n, err := sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, chunk("partial"), string(buf[:n]))

	sess.Cancel()
	sess.Cancel()
	require.NoError(t, sess.Close())
	waitDone(t, sess)

	assert.Equal(t, StateCancelled, sess.State())
	assert.Equal(t, 1, src.Calls())
	assert.False(t, called)

	_, err = sess.Read(buf)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestOrchestrator_ParentContextCancels(t *testing.T) {
	src := &scriptedSource{steps: []step{{hang: true}}, opened: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	sess := NewOrchestrator(src, testConfig(2), nil).Start(ctx, &llm.StreamRequest{}, SessionOptions{})
	go io.Copy(io.Discard, sess)
	select {
	case <-src.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was never opened")
	}
	cancel()
	waitDone(t, sess)

	assert.Equal(t, StateCancelled, sess.State())
	assert.Equal(t, 1, src.Calls())
}

func TestOrchestrator_FinalErrorAfterPartialContent(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{body: chunk("partial text")},
		{err: &llm.StatusError{StatusCode: http.StatusPaymentRequired}},
	}}
	orch := NewOrchestrator(src, testConfig(3), nil)

	var partial string
	var partialCalls int
	sess := orch.Start(context.Background(), &llm.StreamRequest{}, SessionOptions{
		OnPartialContent: func(content string) {
			partialCalls++
			partial = content
		},
	})
	_, err := io.ReadAll(sess)
	waitDone(t, sess)

	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, 2, sess.Attempts())
	assert.Equal(t, 1, partialCalls)
	assert.Equal(t, "partial text", partial)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.Partial)
	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, err.Error(), "(partial content available)")

	var statusErr *llm.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusPaymentRequired, statusErr.StatusCode)
}

func TestNewBackoff(t *testing.T) {
	b := newBackoff(DefaultRetryConfig())

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.NextBackOff(), "delay after attempt %d", i+1)
	}
}

func TestFailedError(t *testing.T) {
	err := &FailedError{Attempts: 2, Err: ErrStreamIncomplete}
	assert.Equal(t, "stream failed after 2 attempts: stream incomplete", err.Error())
	err.Partial = true
	assert.Equal(t, "stream failed after 2 attempts: stream incomplete (partial content available)", err.Error())
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.Equal(t, 65*time.Second, cfg.AttemptTimeout)
}
