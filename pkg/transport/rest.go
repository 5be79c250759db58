// Package transport implements the request/response side of the API over
// HTTP and the push-socket abstraction used for server events, with a
// WebSocket implementation.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/metrics"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 1024

// REST performs authenticated JSON calls against the API base URL.
type REST struct {
	baseURL string
	http    *http.Client
	creds   auth.Provider
	limiter *rate.Limiter
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// RESTOption configures a REST client.
type RESTOption func(*REST)

// WithRateLimit caps outgoing requests at r per second with the given burst.
func WithRateLimit(r float64, burst int) RESTOption {
	return func(c *REST) {
		if r > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithRESTMetrics records request durations.
func WithRESTMetrics(m *metrics.Metrics) RESTOption {
	return func(c *REST) { c.metrics = m }
}

// NewREST builds a client for baseURL. The round tripper of client (or the
// default transport) is wrapped with otelhttp so every request carries a
// client span and propagated trace context.
func NewREST(baseURL string, client *http.Client, creds auth.Provider, opts ...RESTOption) *REST {
	hc := &http.Client{}
	if client != nil {
		*hc = *client
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc.Transport = otelhttp.NewTransport(base)

	c := &REST{
		baseURL: baseURL,
		http:    hc,
		creds:   creds,
		tracer:  telemetry.Tracer(telemetry.InstrumentationName),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the API base URL.
func (c *REST) BaseURL() string { return c.baseURL }

// HTTPClient returns the instrumented client.
func (c *REST) HTTPClient() *http.Client { return c.http }

// request describes one call. Route is the path template used for spans
// and metrics; Path is the concrete path.
type request struct {
	Method      string
	Route       string
	Path        string
	JSON        any
	Body        io.Reader
	ContentType string
	NoAuth      bool
}

// call performs req and decodes a JSON response into out (when non-nil).
// JSON requests rejected with 401 are retried once with a fresh credential.
func (c *REST) call(ctx context.Context, req request, out any) error {
	var payload []byte
	if req.JSON != nil {
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", req.Method, req.Route, err)
		}
		payload = b
		req.ContentType = "application/json"
	}

	ctx, span := c.tracer.Start(ctx, "eyepop "+req.Method+" "+req.Route, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	attempts := 1
	if req.Body == nil && !req.NoAuth {
		attempts = 2
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		body := req.Body
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		err = c.once(ctx, span, req, body, out)
		if attempt < attempts && isUnauthorized(err) {
			zap.L().Debug("credential rejected, refreshing", zap.String("route", req.Route))
			c.creds.Invalidate()
			continue
		}
		break
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (c *REST) once(ctx context.Context, span trace.Span, req request, body io.Reader, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", model.ErrConnection, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	if !req.NoAuth {
		cred, err := c.creds.Credential(ctx)
		if err != nil {
			return err
		}
		cred.Apply(httpReq.Header)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set(auth.RequestIDHeader, requestID)
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.RequestObserved(req.Method, req.Route, statusClass(status), time.Since(start))
	span.SetAttributes(telemetry.HTTPAttributes(req.Method, req.Route, requestID, status)...)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", model.ErrConnection, req.Method, req.Route, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Method: req.Method, Route: req.Route, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		zap.L().Debug("api error",
			zap.String("route", req.Route),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", requestID))
		return serr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", model.ErrConnection, req.Method, req.Route, err)
	}
	return nil
}

func isUnauthorized(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Code == http.StatusUnauthorized
}
