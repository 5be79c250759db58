package sdk

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/internal/testutil/fakeapi"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// stateLog records transitions observed through OnStateChanged.
type stateLog struct {
	mu     sync.Mutex
	states []model.State
}

func (l *stateLog) observe(_, next model.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, next)
}

func (l *stateLog) All() []model.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.states)
}

func (l *stateLog) Contains(s model.State) bool {
	return slices.Contains(l.All(), s)
}

func testConfig(srv *fakeapi.Server) *config.Config {
	return &config.Config{
		URL:         srv.URL,
		APIKey:      srv.APIKey,
		Sandbox:     true,
		AccountUUID: "acc-1",
		Reconnect: config.Reconnect{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			MaxElapsed:      5 * time.Second,
		},
		Timeouts: config.Timeouts{
			Dial:     5 * time.Second,
			Request:  5 * time.Second,
			Poll:     20 * time.Millisecond,
			Watchdog: 200 * time.Millisecond,
		},
	}
}

func newTestEndpoint(t *testing.T, cfg *config.Config, opts ...Option) (*Endpoint, *stateLog) {
	t.Helper()
	e, err := NewEndpoint(cfg, opts...)
	require.NoError(t, err)
	log := &stateLog{}
	e.OnStateChanged(log.observe)
	t.Cleanup(func() {
		_ = e.Disconnect(context.Background())
		_ = e.Close()
	})
	return e, log
}

func startServer(t *testing.T) *fakeapi.Server {
	t.Helper()
	srv := fakeapi.New()
	t.Cleanup(srv.Close)
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewEndpoint_InvalidConfig(t *testing.T) {
	_, err := NewEndpoint(&config.Config{URL: "ftp://nope", APIKey: "k"})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = NewEndpoint(&config.Config{URL: "http://x", APIKey: "k", Session: "s"})
	require.ErrorIs(t, err, model.ErrAuth)

	_, err = NewEndpoint(nil)
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestEndpoint_ConnectDisconnect(t *testing.T) {
	srv := startServer(t)
	e, log := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	assert.Equal(t, model.StateIdle, e.State())
	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, model.StateConnected, e.State())
	assert.Equal(t, model.TransientPopID, e.PopID())
	assert.NotEmpty(t, e.SessionID())
	assert.Equal(t, 1, srv.Sessions())
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Connect(ctx), "connect while connected is a no-op")

	require.NoError(t, e.Disconnect(ctx))
	assert.Equal(t, model.StateDisconnected, e.State())
	assert.Equal(t, 0, srv.Sessions())
	assert.Empty(t, e.SessionID())
	assert.Equal(t, []model.State{
		model.StateConnecting,
		model.StateConnected,
		model.StateDisconnecting,
		model.StateDisconnected,
	}, log.All())
}

func TestEndpoint_DisconnectIdempotent(t *testing.T) {
	srv := startServer(t)
	e, log := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	require.ErrorIs(t, e.Disconnect(ctx), model.ErrNotConnected)

	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.Disconnect(ctx))
	n := len(log.All())
	require.NoError(t, e.Disconnect(ctx))
	require.NoError(t, e.Disconnect(ctx))
	assert.Equal(t, model.StateDisconnected, e.State())
	assert.Len(t, log.All(), n, "repeated disconnects must not transition")
}

func TestEndpoint_ConcurrentDisconnect(t *testing.T) {
	srv := startServer(t)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Go(func() { errs <- e.Disconnect(ctx) })
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, model.StateDisconnected, e.State())
}

func TestEndpoint_Reconnect(t *testing.T) {
	srv := startServer(t)
	e, log := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.Disconnect(ctx))
	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, model.StateConnected, e.State())
	assert.Equal(t, 1, srv.Sessions())

	states := log.All()
	for i := 1; i < len(states); i++ {
		assert.NotEqual(t, states[i-1], states[i], "consecutive identical states at %d", i)
	}
}

// blockingPusher never completes a dial before ctx ends.
type blockingPusher struct {
	entered chan struct{}
}

func (p *blockingPusher) Kind() string { return "blocking" }

func (p *blockingPusher) Dial(ctx context.Context, _ *transport.Session, _ *auth.Credential) (transport.PushConn, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", model.ErrConnection, ctx.Err())
}

func TestEndpoint_AlreadyConnectingAndAbort(t *testing.T) {
	srv := startServer(t)
	p := &blockingPusher{entered: make(chan struct{}, 1)}
	e, log := newTestEndpoint(t, testConfig(srv), WithPusher(p))
	ctx := testContext(t)

	connectErr := make(chan error, 1)
	go func() { connectErr <- e.Connect(ctx) }()

	select {
	case <-p.entered:
	case <-ctx.Done():
		t.Fatal("dial never started")
	}
	assert.Equal(t, model.StateConnecting, e.State())
	require.ErrorIs(t, e.Connect(ctx), model.ErrAlreadyConnecting)

	require.NoError(t, e.Disconnect(ctx))
	require.ErrorIs(t, <-connectErr, model.ErrConnection)
	assert.Equal(t, model.StateDisconnected, e.State())
	assert.Equal(t, []model.State{
		model.StateConnecting,
		model.StateError,
		model.StateDisconnecting,
		model.StateDisconnected,
	}, log.All())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// scriptedConn delivers no events until dropped. With blockSend, Send
// returns only when its context ends.
type scriptedConn struct {
	blockSend bool
	sent      chan struct{}
	gone      chan struct{}
	once      sync.Once
	closed    atomic.Bool
}

func newScriptedConn(blockSend bool) *scriptedConn {
	return &scriptedConn{blockSend: blockSend, sent: make(chan struct{}, 1), gone: make(chan struct{})}
}

func (c *scriptedConn) Send(ctx context.Context, _ transport.Command) error {
	select {
	case c.sent <- struct{}{}:
	default:
	}
	if !c.blockSend {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *scriptedConn) Recv(ctx context.Context) (model.Event, error) {
	select {
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	case <-c.gone:
		return model.Event{}, fmt.Errorf("%w: connection dropped", model.ErrConnection)
	}
}

func (c *scriptedConn) drop() { c.once.Do(func() { close(c.gone) }) }

func (c *scriptedConn) Close() error {
	c.closed.Store(true)
	c.drop()
	return nil
}

// scriptedPusher hands out conns in order. Every dial after the first
// announces itself on redial and waits for gate, ignoring its context.
type scriptedPusher struct {
	conns  []*scriptedConn
	gate   chan struct{}
	redial chan struct{}

	mu    sync.Mutex
	dials int
}

func (p *scriptedPusher) Kind() string { return "scripted" }

func (p *scriptedPusher) Dial(_ context.Context, _ *transport.Session, _ *auth.Credential) (transport.PushConn, error) {
	p.mu.Lock()
	n := p.dials
	p.dials++
	p.mu.Unlock()
	if n > 0 {
		p.redial <- struct{}{}
		<-p.gate
	}
	return p.conns[n], nil
}

func TestEndpoint_DisconnectDuringResubscribe(t *testing.T) {
	srv := startServer(t)
	conn := newScriptedConn(true)
	p := &scriptedPusher{conns: []*scriptedConn{conn}}
	e, log := newTestEndpoint(t, testConfig(srv), WithPusher(p))
	ctx := testContext(t)
	e.AddDatasetEventHandler("ds-1", func(model.Event) error { return nil })

	connectErr := make(chan error, 1)
	go func() { connectErr <- e.Connect(ctx) }()
	select {
	case <-conn.sent:
	case <-ctx.Done():
		t.Fatal("subscription never replayed")
	}

	require.NoError(t, e.Disconnect(ctx))
	require.ErrorIs(t, <-connectErr, model.ErrConnection)
	assert.Equal(t, model.StateDisconnected, e.State())
	assert.Equal(t, []model.State{
		model.StateConnecting,
		model.StateError,
		model.StateDisconnecting,
		model.StateDisconnected,
	}, log.All())
	assert.True(t, conn.closed.Load())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEndpoint_DisconnectDuringRedial(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(srv)
	cfg.AutoReconnect = true
	first, second := newScriptedConn(false), newScriptedConn(false)
	p := &scriptedPusher{
		conns:  []*scriptedConn{first, second},
		gate:   make(chan struct{}),
		redial: make(chan struct{}, 1),
	}
	e, _ := newTestEndpoint(t, cfg, WithPusher(p))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	first.drop()
	select {
	case <-p.redial:
	case <-ctx.Done():
		t.Fatal("no redial after drop")
	}
	assert.Equal(t, model.StateReconnecting, e.State())

	done := make(chan error, 1)
	go func() { done <- e.Disconnect(ctx) }()
	require.Eventually(t, func() bool { return e.State() == model.StateDisconnecting }, 2*time.Second, time.Millisecond)
	close(p.gate)

	require.NoError(t, <-done)
	assert.Equal(t, model.StateDisconnected, e.State())
	assert.True(t, first.closed.Load())
	assert.True(t, second.closed.Load(), "conn dialed during disconnect is closed")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Nil(t, e.push)
}

func TestEndpoint_AuthFailure(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(srv)
	cfg.APIKey = "wrong"
	e, _ := newTestEndpoint(t, cfg)
	ctx := testContext(t)

	require.ErrorIs(t, e.Connect(ctx), model.ErrAuth)
	assert.Equal(t, model.StateError, e.State())
	assert.Equal(t, 0, srv.Sessions())

	require.NoError(t, e.Disconnect(ctx))
	assert.Equal(t, model.StateDisconnected, e.State())
}

func TestEndpoint_NoCredential(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(srv)
	cfg.APIKey = ""
	e, _ := newTestEndpoint(t, cfg)

	require.ErrorIs(t, e.Connect(testContext(t)), model.ErrAuth)
	assert.Equal(t, model.StateError, e.State())
}

func TestEndpoint_ConnectionRefused(t *testing.T) {
	srv := startServer(t)
	srv.RefuseSessions(true)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	require.ErrorIs(t, e.Connect(ctx), model.ErrConnection)
	assert.Equal(t, model.StateError, e.State())

	srv.RefuseSessions(false)
	require.NoError(t, e.Connect(ctx), "connect from error retries")
	assert.Equal(t, model.StateConnected, e.State())
}

func TestEndpoint_SessionBlob(t *testing.T) {
	srv := startServer(t)
	srv.SessionBlob = "opaque-session"
	cfg := testConfig(srv)
	cfg.APIKey = ""
	cfg.Session = "opaque-session"
	e, _ := newTestEndpoint(t, cfg)
	ctx := testContext(t)

	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, 0, srv.Hits("POST /v1/auth/token"))
	require.NoError(t, e.Disconnect(ctx))
}

func TestEndpoint_CallsRequireConnection(t *testing.T) {
	srv := startServer(t)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	_, err := e.Dataset(ctx, "d1")
	require.ErrorIs(t, err, model.ErrNotConnected)
	require.ErrorIs(t, e.ChangePop(ctx, &model.Pop{ID: "p"}), model.ErrNotConnected)

	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.Disconnect(ctx))
	_, err = e.DatasetVersion(ctx, "d1", 1)
	require.ErrorIs(t, err, model.ErrNotConnected)
}
