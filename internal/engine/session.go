// Package engine drives streamed completions: it retries upstream attempts
// while relaying bytes live, and chains continuation rounds when a finished
// response looks truncated.
package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrCancelled is returned to readers of a session the consumer cancelled.
var ErrCancelled = errors.New("stream session cancelled")

// State is a node of the retry state machine.
type State string

const (
	StateAttempting State = "attempting"
	StateForwarding State = "forwarding"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Session is one in-flight attempt to obtain a complete assistant response.
// Reading it yields the upstream bytes of every attempt in arrival order; the
// read side ends with io.EOF on success and with the terminal error
// otherwise. Close cancels the session.
type Session struct {
	ID              string
	TargetMessageID string

	pr *io.PipeReader
	pw *io.PipeWriter

	ctx        context.Context
	cancel     context.CancelFunc
	cancelled  atomic.Bool
	cancelOnce sync.Once
	done       chan struct{}

	mu          sync.Mutex
	state       State
	attempts    int
	accumulated strings.Builder
	err         error
}

func newSession(ctx context.Context, targetMessageID string) *Session {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	return &Session{
		ID:              uuid.Must(uuid.NewV7()).String(),
		TargetMessageID: targetMessageID,
		pr:              pr,
		pw:              pw,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		state:           StateAttempting,
	}
}

// Read reads relayed upstream bytes.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.pr.Read(p)
	if err != nil && s.cancelled.Load() {
		err = ErrCancelled
	}
	return n, err
}

// Close cancels the session.
func (s *Session) Close() error {
	s.Cancel()
	return nil
}

// Cancel stops the session: no further attempt starts, the in-flight
// upstream read is aborted and no callback fires afterwards. Bytes already
// read are not retracted. It is idempotent.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		s.cancel()
		s.pr.CloseWithError(ErrCancelled)
	})
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns how many upstream attempts were started.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Content returns the text accumulated across attempts.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.String()
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) isCancelled() bool {
	return s.cancelled.Load() || s.ctx.Err() != nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) beginAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// appendContent adds one attempt's text. Accumulated content only grows.
func (s *Session) appendContent(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accumulated.WriteString(text)
	return s.accumulated.Len()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
