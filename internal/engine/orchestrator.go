package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/llm"
	"github.com/capitalize-ai/appforge/internal/sse"
	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/metrics"
)

// ErrStreamIncomplete marks an attempt that ended without the sentinel.
var ErrStreamIncomplete = errors.New("stream incomplete")

// FailedError is the terminal error of a session that exhausted its attempts.
type FailedError struct {
	Attempts int
	Partial  bool
	Err      error
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("stream failed after %d attempts: %v", e.Attempts, e.Err)
	if e.Partial {
		msg += " (partial content available)"
	}
	return msg
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// RetryConfig bounds the attempts of one session.
type RetryConfig struct {
	// MaxRetries is the total number of upstream attempts.
	MaxRetries int
	// BaseDelay is the wait after the first failed attempt. Each later wait
	// doubles, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// AttemptTimeout is the wall-clock budget of one attempt, connect and
	// read included. Expiry is handled as a stream that ended without the
	// sentinel.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 65 * time.Second,
	}
}

// SessionOptions configures one session.
type SessionOptions struct {
	// TargetMessageID is the message the completion continues from.
	TargetMessageID string
	// ChatID is only used to label logs.
	ChatID string
	// OnPartialContent receives the accumulated text when the session fails
	// after producing some content. It is not called after cancellation.
	OnPartialContent func(content string)
}

// Orchestrator wraps a Source in a retry loop with exponential backoff.
type Orchestrator struct {
	source llm.Source
	cfg    RetryConfig
	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates an orchestrator. Zero fields of cfg take defaults.
func NewOrchestrator(source llm.Source, cfg RetryConfig, log *logger.Logger) *Orchestrator {
	def := DefaultRetryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		source: source,
		cfg:    cfg,
		logger: log,
		tracer: otel.Tracer("github.com/capitalize-ai/appforge/internal/engine"),
	}
}

// Start opens a session and runs it in the background. The caller must read
// the session to completion or cancel it.
func (o *Orchestrator) Start(ctx context.Context, req *llm.StreamRequest, opts SessionOptions) *Session {
	sess := newSession(ctx, opts.TargetMessageID)
	go o.run(sess, req, opts)
	return sess
}

// sessionRun carries the per-session bookkeeping of the state machine.
type sessionRun struct {
	sess    *Session
	req     *llm.StreamRequest
	opts    SessionOptions
	backoff *backoff.ExponentialBackOff
	logger  *logger.Logger
	ctx     context.Context

	attempt *attemptRun
}

// attemptRun holds the resources of the attempt in flight.
type attemptRun struct {
	number  int
	body    io.ReadCloser
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time
}

func (a *attemptRun) release(outcome string, model string, err error) {
	if a.body != nil {
		a.body.Close()
	}
	a.cancel()
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.span.SetAttributes(attribute.String("stream.outcome", outcome))
	a.span.End()
	metrics.RecordAttempt(model, outcome, time.Since(a.started).Seconds())
}

// newBackoff returns the retry delay schedule: BaseDelay doubled after each
// failed attempt, capped at MaxDelay, without jitter.
func newBackoff(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (o *Orchestrator) run(sess *Session, req *llm.StreamRequest, opts SessionOptions) {
	defer close(sess.done)
	defer sess.cancel()

	ctx, span := o.tracer.Start(sess.ctx, "stream.session", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("message.id", sess.TargetMessageID),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	r := &sessionRun{
		sess:    sess,
		req:     req,
		opts:    opts,
		backoff: newBackoff(o.cfg),
		logger:  o.logger.WithSession(sess.ID, opts.ChatID, sess.TargetMessageID),
		ctx:     ctx,
	}

	state := StateAttempting
	for !state.Terminal() {
		sess.setState(state)
		switch state {
		case StateAttempting:
			state = o.attempting(r)
		case StateForwarding:
			state = o.forwarding(r)
		}
	}
	sess.setState(state)

	err := sess.Err()
	switch state {
	case StateSucceeded:
		sess.pw.Close()
		r.logger.Info("stream session completed",
			zap.Int("attempts", sess.Attempts()),
			zap.Int("content_length", len(sess.Content())),
		)
	case StateFailed:
		sess.pw.CloseWithError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("stream session failed", zap.Int("attempts", sess.Attempts()), zap.Error(err))
	case StateCancelled:
		sess.pw.CloseWithError(ErrCancelled)
		r.logger.Info("stream session cancelled", zap.Int("attempts", sess.Attempts()))
	}
	span.SetAttributes(
		attribute.String("stream.state", string(state)),
		attribute.Int("stream.attempts", sess.Attempts()),
	)
	metrics.RecordSession(req.Model, string(state))
}

// attempting opens one upstream call.
func (o *Orchestrator) attempting(r *sessionRun) State {
	if r.sess.isCancelled() {
		return StateCancelled
	}

	number := r.sess.beginAttempt()
	if number > 1 {
		r.logger.Info("retrying stream",
			zap.Int("attempt", number),
			zap.Int("max_attempts", o.cfg.MaxRetries),
			zap.Int("accumulated_length", len(r.sess.Content())),
		)
	}

	ctx, cancel := context.WithTimeout(r.ctx, o.cfg.AttemptTimeout)
	ctx, span := o.tracer.Start(ctx, "stream.attempt", trace.WithAttributes(
		attribute.Int("stream.attempt", number),
	))
	a := &attemptRun{number: number, cancel: cancel, span: span, started: time.Now()}

	body, err := o.source.Open(ctx, r.req)
	if err != nil {
		if r.sess.isCancelled() {
			a.release("cancelled", r.req.Model, nil)
			return StateCancelled
		}
		outcome := "error"
		if !llm.IsRetryable(err) {
			outcome = "rejected"
		}
		a.release(outcome, r.req.Model, err)
		return o.retryOrFail(r, err)
	}

	a.body = body
	r.attempt = a
	return StateForwarding
}

// forwarding relays the attempt's bytes to the consumer while decoding the
// attempt's own text, then judges how the attempt ended.
func (o *Orchestrator) forwarding(r *sessionRun) State {
	a := r.attempt
	r.attempt = nil

	decoder := sse.NewDecoder(r.logger)
	buf := make([]byte, 8*1024)
	var readErr error
	for {
		n, err := a.body.Read(buf)
		if n > 0 {
			if _, werr := r.sess.pw.Write(buf[:n]); werr != nil {
				r.sess.Cancel()
				a.release("cancelled", r.req.Model, nil)
				return StateCancelled
			}
			metrics.StreamBytesForwarded.Add(float64(n))
			decoder.Feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	decoder.Flush()

	if r.sess.isCancelled() {
		a.release("cancelled", r.req.Model, nil)
		return StateCancelled
	}

	current := decoder.Content()
	total := r.sess.appendContent(current)

	if decoder.Done() {
		a.release("completed", r.req.Model, nil)
		return StateSucceeded
	}

	if readErr != nil {
		r.logger.Debug("upstream read ended early",
			zap.Int("attempt", a.number),
			zap.Error(readErr),
		)
	}

	if current == "" {
		if a.number == 1 {
			err := fmt.Errorf("%w: no content received on first attempt", ErrStreamIncomplete)
			a.release("incomplete", r.req.Model, err)
			return o.retryOrFail(r, err)
		}
		if total == 0 {
			err := fmt.Errorf("%w: no content received after %d attempts", ErrStreamIncomplete, a.number)
			a.release("incomplete", r.req.Model, err)
			return o.retryOrFail(r, err)
		}
		r.logger.Info("attempt produced no new content, completing with accumulated content",
			zap.Int("attempt", a.number),
			zap.Int("accumulated_length", total),
		)
		a.release("drained", r.req.Model, nil)
		return StateSucceeded
	}

	err := fmt.Errorf("%w: possible timeout", ErrStreamIncomplete)
	a.release("incomplete", r.req.Model, err)
	return o.retryOrFail(r, err)
}

// retryOrFail waits out the backoff and re-enters Attempting, or fails the
// session when err is final or attempts are exhausted.
func (o *Orchestrator) retryOrFail(r *sessionRun, err error) State {
	if r.sess.isCancelled() {
		return StateCancelled
	}

	attempts := r.sess.Attempts()
	if !llm.IsRetryable(err) {
		if r.deliverPartial(attempts) {
			err = &FailedError{Attempts: attempts, Partial: true, Err: err}
		}
		r.sess.setErr(err)
		return StateFailed
	}

	if attempts >= o.cfg.MaxRetries {
		partial := r.deliverPartial(attempts)
		r.sess.setErr(&FailedError{Attempts: attempts, Partial: partial, Err: err})
		return StateFailed
	}

	delay := r.backoff.NextBackOff()
	metrics.StreamBackoffSeconds.Observe(delay.Seconds())
	r.logger.Info("stream attempt failed, backing off",
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return StateAttempting
	case <-r.sess.ctx.Done():
		return StateCancelled
	}
}

// deliverPartial hands the accumulated text of a failing session to the
// OnPartialContent callback and reports whether there was any.
func (r *sessionRun) deliverPartial(attempts int) bool {
	partial := r.sess.Content()
	if partial == "" {
		return false
	}
	r.logger.Warn("stream failed with partial content",
		zap.Int("attempts", attempts),
		zap.Int("partial_length", len(partial)),
	)
	if r.opts.OnPartialContent != nil && !r.sess.isCancelled() {
		r.opts.OnPartialContent(partial)
	}
	return true
}
