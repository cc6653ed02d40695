package sse

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/capitalize-ai/appforge/pkg/logger"
)

// ErrCancelled is returned by Run after Cancel was called.
var ErrCancelled = errors.New("stream cancelled")

// ContentHandler receives each decoded delta and the text accumulated so far.
type ContentHandler func(delta, accumulated string)

// FinalHandler receives the accumulated text once the stream ends.
type FinalHandler func(accumulated string)

type subscription[T any] struct {
	id      uint64
	handler T
}

// Stream reads an event stream and fans decoded deltas out to subscribers in
// subscription order. Handlers run on the goroutine calling Run.
type Stream struct {
	r       io.ReadCloser
	decoder *Decoder
	logger  *logger.Logger

	mu      sync.Mutex
	nextID  uint64
	content []subscription[ContentHandler]
	final   []subscription[FinalHandler]

	cancelled  atomic.Bool
	cancelOnce sync.Once
}

// NewStream wraps r. The stream owns r and closes it when Run returns.
func NewStream(r io.ReadCloser, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.Nop()
	}
	return &Stream{
		r:       r,
		decoder: NewDecoder(log),
		logger:  log,
	}
}

// OnContent subscribes h to deltas. The returned func unsubscribes it.
func (s *Stream) OnContent(h ContentHandler) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.content = append(s.content, subscription[ContentHandler]{id: id, handler: h})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.content = removeSub(s.content, id)
	}
}

// OnFinal subscribes h to the end of the stream. The returned func
// unsubscribes it.
func (s *Stream) OnFinal(h FinalHandler) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.final = append(s.final, subscription[FinalHandler]{id: id, handler: h})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.final = removeSub(s.final, id)
	}
}

// Run reads until the underlying reader ends. On a clean end every final
// handler receives the accumulated text, whether or not the sentinel was
// seen. On a read error the final handlers still fire when some content was
// received, and the error is returned. After Cancel no handler fires.
func (s *Stream) Run(ctx context.Context) error {
	defer s.r.Close()

	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	buf := make([]byte, 8*1024)
	for {
		n, err := s.r.Read(buf)
		if s.cancelled.Load() {
			return ErrCancelled
		}
		if n > 0 {
			for _, delta := range s.decoder.Feed(buf[:n]) {
				s.emitContent(delta)
			}
		}
		if err == nil {
			continue
		}

		for _, delta := range s.decoder.Flush() {
			s.emitContent(delta)
		}
		if errors.Is(err, io.EOF) {
			s.emitFinal()
			return nil
		}
		if s.cancelled.Load() {
			return ErrCancelled
		}
		if s.decoder.Content() != "" {
			s.emitFinal()
		}
		return err
	}
}

// Cancel stops handler delivery and closes the reader. It is idempotent.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		s.r.Close()
	})
}

// Content returns the text accumulated so far.
func (s *Stream) Content() string {
	return s.decoder.Content()
}

// SawSentinel reports whether the end-of-stream sentinel was received.
func (s *Stream) SawSentinel() bool {
	return s.decoder.Done()
}

func (s *Stream) emitContent(delta string) {
	if s.cancelled.Load() {
		return
	}
	s.mu.Lock()
	subs := append([]subscription[ContentHandler](nil), s.content...)
	s.mu.Unlock()

	accumulated := s.decoder.Content()
	for _, sub := range subs {
		sub.handler(delta, accumulated)
	}
}

func (s *Stream) emitFinal() {
	if s.cancelled.Load() {
		return
	}
	s.mu.Lock()
	subs := append([]subscription[FinalHandler](nil), s.final...)
	s.mu.Unlock()

	accumulated := s.decoder.Content()
	for _, sub := range subs {
		sub.handler(accumulated)
	}
}

func removeSub[T any](subs []subscription[T], id uint64) []subscription[T] {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
