package sdk

import (
	"net/http"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/events"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/metrics"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/storage"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"google.golang.org/grpc"
)

// Option customizes an Endpoint.
type Option func(*options)

type options struct {
	httpClient      *http.Client
	wsClient        *http.Client
	pusher          transport.Pusher
	grpcDialOptions []grpc.DialOption
	resolver        storage.Resolver
	metrics         *metrics.Metrics
	onHandlerError  func(*events.HandlerError)
	now             func() time.Time
}

// WithHTTPClient sets the client used for API calls and credential
// exchange. Its transport is wrapped for tracing.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithWebSocketClient sets the client used for the push upgrade request.
// It must not carry a response timeout.
func WithWebSocketClient(c *http.Client) Option {
	return func(o *options) { o.wsClient = c }
}

// WithPusher replaces the push transport selected by Config.Push.
func WithPusher(p transport.Pusher) Option {
	return func(o *options) { o.pusher = p }
}

// WithGRPCDialOptions adds dial options for the gRPC push connection.
func WithGRPCDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.grpcDialOptions = append(o.grpcDialOptions, opts...) }
}

// WithResolver replaces the input resolver used by Process.
func WithResolver(r storage.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMetrics records lifecycle, dispatch, auth, request and poll metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now for credential expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// OnHandlerError is called with every event handler failure, after it has
// been logged. It runs on the dispatching goroutine.
func OnHandlerError(fn func(*events.HandlerError)) Option {
	return func(o *options) { o.onHandlerError = fn }
}
