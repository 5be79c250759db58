package sdk

import (
	"context"
	"fmt"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/jobs"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/storage"
	"go.uber.org/zap"
)

// PopID returns the pop the session currently runs, or "" when not connected.
func (e *Endpoint) PopID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.popID
}

// SessionID returns the current worker session id, or "" when not connected.
func (e *Endpoint) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ID
}

// ChangePop replaces the pop run by the session. For transient sessions
// pop carries the component graph.
func (e *Endpoint) ChangePop(ctx context.Context, pop *model.Pop) error {
	sess, _, err := e.active()
	if err != nil {
		return err
	}
	if pop == nil {
		return fmt.Errorf("%w: nil pop", model.ErrInvalidArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
	defer cancel()

	id, err := e.rest.ChangePop(ctx, sess.ID, pop)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.popID = id
	e.mu.Unlock()
	zap.L().Debug("pop changed", zap.String("session_id", sess.ID), zap.String("pop_id", id))
	return nil
}

// Process submits one input (file path, reader or URL) to the session's
// pop and returns the stream of its predictions. The upload happens before
// Process returns; predictions are fetched lazily by the stream.
func (e *Endpoint) Process(ctx context.Context, input storage.Params) (*jobs.Stream[model.Prediction], error) {
	sess, life, err := e.active()
	if err != nil {
		return nil, err
	}
	res, err := e.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Upload)
	defer cancel()

	var h *model.JobHandle
	if res.URL != "" {
		h, err = e.rest.URLJob(ctx, sess.ID, res.URL)
	} else {
		h, err = e.rest.UploadJob(ctx, sess.ID, res.MimeType, res.Reader)
	}
	if err != nil {
		return nil, err
	}
	zap.L().Debug("job started",
		zap.String("job_id", h.ID),
		zap.String("mime", res.MimeType),
		zap.String("name", res.Name))
	return newStream(e, life, *h, jobs.DecodeJSON[model.Prediction]), nil
}

// jobSource polls through the endpoint so polling stops with the session.
type jobSource struct {
	e *Endpoint
}

func (s jobSource) Job(ctx context.Context, jobID string) (*model.JobStatus, error) {
	if _, _, err := s.e.active(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.e.timeouts.Request)
	defer cancel()
	return s.e.rest.Job(ctx, jobID)
}

func newStream[T any](e *Endpoint, life context.Context, h model.JobHandle, dec jobs.Decoder[T]) *jobs.Stream[T] {
	var sub jobs.Subscriber
	if e.pusher != nil {
		sub = e.dispatcher
	}
	return jobs.NewStream(life, h, sub, jobSource{e: e}, dec,
		jobs.WithPollInterval(e.timeouts.Poll),
		jobs.WithWatchdog(e.timeouts.Watchdog),
		jobs.WithResync(e.cfg.Resync),
		jobs.WithMetrics(e.metrics))
}
