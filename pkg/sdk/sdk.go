// Package sdk exposes the Endpoint, the entry point for EyePop worker and
// data APIs. It wires together credential resolution, the REST transport,
// the push connection, event dispatch and job streams, and drives the
// endpoint lifecycle state machine.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/events"
	pushgrpc "github.com/eyepop-ai/eyepop-sdk-go/pkg/grpc"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/metrics"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/state"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/storage"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevel is the level of the SDK's default logger. Config.Debug lowers it
// to debug.
var logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// init configures a default global zap logger for the SDK. Applications may
// replace it with zap.ReplaceGlobals(...) if they need custom logging.
func init() {
	c := zap.Config{
		Level:            logLevel,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// SetLogLevel changes the level of the default SDK logger.
func SetLogLevel(l zapcore.Level) {
	logLevel.SetLevel(l)
}

// Endpoint is one connection to the EyePop service. All methods are safe
// for concurrent use.
type Endpoint struct {
	cfg       config.Config
	timeouts  config.Timeouts
	reconnect config.Reconnect
	clientID  string

	creds      auth.Provider
	rest       *transport.REST
	pusher     transport.Pusher
	grpcClient *pushgrpc.Client
	resolver   storage.Resolver
	metrics    *metrics.Metrics
	now        func() time.Time

	machine    *state.Machine
	dispatcher *events.Dispatcher

	mu sync.Mutex
	// life spans one connection cycle: it is replaced by Connect and
	// canceled by Disconnect or a failed Connect. Job streams, the read loop
	// and reconnects derive from it.
	life       context.Context
	lifeCancel context.CancelFunc
	session    *transport.Session
	popID      string
	push       transport.PushConn
	wg         sync.WaitGroup
}

// NewEndpoint validates cfg and builds a disconnected Endpoint. cfg is copied.
func NewEndpoint(cfg *config.Config, opts ...Option) (*Endpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", model.ErrInvalidArgument)
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		if errors.Is(err, model.ErrAuth) {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return nil, fmt.Errorf("%w: invalid config: %w", model.ErrInvalidArgument, err)
	}
	if c.Debug {
		SetLogLevel(zap.DebugLevel)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.resolver == nil {
		o.resolver = storage.Default()
	}

	e := &Endpoint{
		cfg:       c,
		timeouts:  c.Timeouts.WithDefaults(),
		reconnect: c.Reconnect.WithDefaults(),
		clientID:  uuid.NewString(),
		resolver:  o.resolver,
		metrics:   o.metrics,
		now:       o.now,
		machine:   state.New(),
		life:      canceledContext(),
	}
	e.creds = auth.New(&e.cfg, o.httpClient, auth.WithClock(o.now), auth.WithMetrics(o.metrics))

	restOpts := []transport.RESTOption{transport.WithRESTMetrics(o.metrics)}
	if c.RateLimit > 0 {
		restOpts = append(restOpts, transport.WithRateLimit(c.RateLimit, c.RateBurst))
	}
	e.rest = transport.NewREST(c.URL, o.httpClient, e.creds, restOpts...)

	switch {
	case o.pusher != nil:
		e.pusher = o.pusher
	case c.Push == config.PushWebSocket:
		e.pusher = &transport.WebSocketPusher{BaseURL: c.URL, HTTPClient: o.wsClient}
	case c.Push == config.PushGRPC:
		client, err := pushgrpc.NewClient(c.GRPCAddr, o.grpcDialOptions...)
		if err != nil {
			return nil, err
		}
		p, err := pushgrpc.NewPusher(client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		e.grpcClient, e.pusher = client, p
	}
	if gp, ok := e.pusher.(*pushgrpc.Pusher); ok && e.grpcClient == nil {
		e.grpcClient = gp.Client()
	}

	dispatchOpts := []events.Option{
		events.WithMetrics(o.metrics),
		events.WithScopeHooks(e.subscribe, e.unsubscribe),
	}
	if o.onHandlerError != nil {
		dispatchOpts = append(dispatchOpts, events.WithErrorHandler(o.onHandlerError))
	}
	e.dispatcher = events.New(dispatchOpts...)
	e.machine.Observe(func(prev, next model.State) {
		e.metrics.StateChanged(prev.String(), next.String(), int(next))
	})

	zap.L().Debug("endpoint created",
		zap.String("url", c.URL),
		zap.String("pop_id", c.PopID),
		zap.String("push", c.Push),
		zap.String("auth", string(e.creds.Kind())))
	return e, nil
}

// Close releases resources that outlive connection cycles, such as the
// gRPC push connection. Call it after Disconnect.
func (e *Endpoint) Close() error {
	return e.grpcClient.Close()
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
