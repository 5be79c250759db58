// Package jobs adapts asynchronous server-side jobs into lazy, pull-based
// result streams. A Stream merges results pushed on the job scope with the
// authoritative state returned by polling, de-duplicated by result seq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/events"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/metrics"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("job stream closed")

// Subscriber registers push handlers. *events.Dispatcher implements it.
type Subscriber interface {
	AddHandler(scope model.Scope, h events.Handler) events.Registration
	Remove(reg events.Registration)
}

// Source fetches the authoritative job state.
type Source interface {
	Job(ctx context.Context, jobID string) (*model.JobStatus, error)
}

// Decoder turns one raw job result into a stream item.
type Decoder[T any] func(r model.JobResult) (T, error)

// DecodeJSON decodes the result document as T.
func DecodeJSON[T any](r model.JobResult) (T, error) {
	var v T
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return v, fmt.Errorf("decode result %d: %w", r.Seq, err)
	}
	return v, nil
}

// Raw passes results through undecoded.
func Raw(r model.JobResult) (model.JobResult, error) { return r, nil }

// Option configures a Stream.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	watchdog     time.Duration
	resync       config.ResyncPolicy
	metrics      *metrics.Metrics
}

// WithPollInterval sets the delay between polls in polling mode. Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithWatchdog sets how long the push side may stay silent before the
// stream polls once. Default: 30s.
func WithWatchdog(d time.Duration) Option {
	return func(o *options) { o.watchdog = d }
}

// WithResync sets the reaction to events_lost. Default: config.ResyncRefetch.
func WithResync(p config.ResyncPolicy) Option {
	return func(o *options) { o.resync = p }
}

// WithMetrics records poll outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Stream yields the results of one job in seq order. It is single-pass and
// not safe for concurrent Next calls.
type Stream[T any] struct {
	handle model.JobHandle
	sub    Subscriber
	src    Source
	decode Decoder[T]
	opts   options

	// life ends when the owning endpoint disconnects.
	life context.Context

	notify chan struct{}

	mu           sync.Mutex
	started      bool
	closed       bool
	done         bool
	reg          events.Registration
	registered   bool
	pending      map[uint64]json.RawMessage
	next         uint64
	phase        model.JobPhase
	reason       string
	polled       bool
	polling      bool
	stale        bool // events lost since the last successful poll
	confirmed    bool // a poll saw the terminal phase
	lastPoll     time.Time
	lastActivity time.Time
}

// NewStream builds a stream for handle. Nothing is subscribed or fetched
// before the first Next. A nil sub means no push transport: the stream polls.
func NewStream[T any](life context.Context, handle model.JobHandle, sub Subscriber, src Source, decode Decoder[T], opts ...Option) *Stream[T] {
	o := options{
		pollInterval: time.Second,
		watchdog:     30 * time.Second,
		resync:       config.ResyncRefetch,
	}
	for _, opt := range opts {
		opt(&o)
	}
	phase := handle.Phase
	if phase == "" {
		phase = model.JobQueued
	}
	return &Stream[T]{
		handle:  handle,
		sub:     sub,
		src:     src,
		decode:  decode,
		opts:    o,
		life:    life,
		notify:  make(chan struct{}, 1),
		pending: make(map[uint64]json.RawMessage),
		phase:   phase,
		polling: sub == nil,
	}
}

// ID returns the job id.
func (s *Stream[T]) ID() string { return s.handle.ID }

// Phase returns the last known job phase.
func (s *Stream[T]) Phase() model.JobPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Next returns the next result. It returns io.EOF once a succeeded job is
// drained, a *model.JobFailedError once a failed job is drained,
// model.ErrNotConnected when the endpoint went away and ErrClosed after Close.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	s.start()

	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return zero, ErrClosed
		case s.life.Err() != nil:
			s.mu.Unlock()
			s.release()
			return zero, fmt.Errorf("%w: job %s", model.ErrNotConnected, s.handle.ID)
		}
		if r, ok := s.take(); ok {
			s.mu.Unlock()
			return s.decode(r)
		}
		if s.phase.Terminal() && s.settled() {
			phase, reason := s.phase, s.reason
			s.mu.Unlock()
			s.release()
			if phase == model.JobFailed {
				return zero, &model.JobFailedError{JobID: s.handle.ID, Reason: reason}
			}
			return zero, io.EOF
		}
		wait := s.pollDelay(time.Now())
		s.mu.Unlock()

		if wait <= 0 {
			if err := s.poll(ctx); err != nil {
				return zero, err
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.notify:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-s.life.Done():
		}
		timer.Stop()
	}
}

// All ranges over the remaining results. Breaking out of the loop closes the
// stream. A terminal error is yielded once as the last element.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the push handler. Safe to call more than once.
func (s *Stream[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.release()
	return nil
}

func (s *Stream[T]) start() {
	s.mu.Lock()
	if s.started || s.sub == nil {
		s.started = true
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	// Subscribe before the initial poll so nothing falls between them.
	reg := s.sub.AddHandler(model.JobScope(s.handle.ID), s.onEvent)
	s.mu.Lock()
	s.reg, s.registered = reg, true
	s.mu.Unlock()
}

func (s *Stream[T]) release() {
	s.mu.Lock()
	s.done = true
	reg, ok := s.reg, s.registered
	s.registered = false
	s.mu.Unlock()
	if ok {
		s.sub.Remove(reg)
	}
}

// settled reports whether the buffered state can be trusted to end the
// stream. A terminal phase learned by push only ends it when no gap is
// pending and no events were lost since the last poll. Must hold mu.
func (s *Stream[T]) settled() bool {
	if !s.polled || s.stale {
		return false
	}
	return s.confirmed || len(s.pending) == 0
}

// take pops the next result in seq order. Once a poll saw the terminal
// phase, gaps are skipped. Must hold mu.
func (s *Stream[T]) take() (model.JobResult, bool) {
	if r, ok := s.pending[s.next]; ok {
		delete(s.pending, s.next)
		s.next++
		return model.JobResult{Seq: s.next - 1, Result: r}, true
	}
	if !s.confirmed || s.stale || len(s.pending) == 0 {
		return model.JobResult{}, false
	}
	seq := slices.Min(slices.Collect(maps.Keys(s.pending)))
	r := s.pending[seq]
	delete(s.pending, seq)
	s.next = seq + 1
	return model.JobResult{Seq: seq, Result: r}, true
}

// pollDelay returns how long to wait before the next poll. Must hold mu.
func (s *Stream[T]) pollDelay(now time.Time) time.Duration {
	if s.lastPoll.IsZero() {
		return 0
	}
	if s.polling || !s.polled || (s.phase.Terminal() && !s.settled()) {
		return s.opts.pollInterval - now.Sub(s.lastPoll)
	}
	last := s.lastActivity
	if s.lastPoll.After(last) {
		last = s.lastPoll
	}
	return s.opts.watchdog - now.Sub(last)
}

// add buffers r unless it was already delivered or buffered. Must hold mu.
func (s *Stream[T]) add(r model.JobResult) {
	if r.Seq < s.next {
		return
	}
	if _, dup := s.pending[r.Seq]; dup {
		return
	}
	s.pending[r.Seq] = r.Result
}

// setPhase never leaves a terminal phase. Must hold mu.
func (s *Stream[T]) setPhase(p model.JobPhase, reason string) {
	if s.phase.Terminal() || p == "" {
		return
	}
	s.phase = p
	s.reason = reason
}

func (s *Stream[T]) poll(ctx context.Context) error {
	ctx, span := telemetry.Tracer(telemetry.InstrumentationName).Start(ctx, "eyepop job poll")
	defer span.End()

	st, err := s.src.Job(ctx, s.handle.ID)
	s.opts.metrics.JobPolled(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(telemetry.JobAttributes(s.handle.ID, "")...)
	} else {
		span.SetAttributes(telemetry.JobAttributes(s.handle.ID, string(st.Phase))...)
	}

	s.mu.Lock()
	s.lastPoll = time.Now()
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, model.ErrConnection) && ctx.Err() == nil && s.life.Err() == nil {
			zap.L().Warn("job poll failed, retrying",
				zap.String("job_id", s.handle.ID),
				zap.Error(err))
			return nil
		}
		return err
	}

	s.mu.Lock()
	for _, r := range st.Results {
		s.add(r)
	}
	s.setPhase(st.Phase, st.Reason)
	s.polled = true
	s.stale = false
	if st.Phase.Terminal() {
		s.confirmed = true
	}
	s.mu.Unlock()
	return nil
}

func (s *Stream[T]) onEvent(ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.lastActivity = time.Now()

	switch ev.ChangeType {
	case model.ChangeJobResult:
		var r model.JobResult
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return fmt.Errorf("job %s: bad result payload: %w", s.handle.ID, err)
		}
		s.add(r)
	case model.ChangeJobPhase:
		var pc model.PhaseChange
		if err := json.Unmarshal(ev.Payload, &pc); err != nil {
			return fmt.Errorf("job %s: bad phase payload: %w", s.handle.ID, err)
		}
		s.setPhase(pc.Phase, pc.Reason)
	case model.ChangeEventsLost:
		if s.opts.resync == config.ResyncIgnore {
			zap.L().Debug("events lost, resync ignored", zap.String("job_id", s.handle.ID))
			return nil
		}
		zap.L().Debug("events lost, switching to polling", zap.String("job_id", s.handle.ID))
		s.polling = true
		s.stale = true
	default:
		return nil
	}
	s.signal()
	return nil
}

func (s *Stream[T]) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
