package grpc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/internal/testutil/grpcbuf"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	pushgrpc "github.com/eyepop-ai/eyepop-sdk-go/pkg/grpc"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const token = "push-token"

func startPush(t *testing.T) (*pushgrpc.Pusher, *grpcbuf.PushServer, *grpcbuf.MetaCapture) {
	t.Helper()
	srv, lis, ps, capture, err := grpcbuf.StartServer(token)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	client, err := pushgrpc.NewClient(grpcbuf.Target, grpcbuf.Dialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	p, err := pushgrpc.NewPusher(client)
	require.NoError(t, err)
	return p, ps, capture
}

func TestPusher_SubscribeAndReceive(t *testing.T) {
	p, ps, capture := startPush(t)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	assert.Equal(t, "grpc", p.Kind())
	conn, err := p.Dial(ctx, &transport.Session{ID: "s1"}, &auth.Credential{Kind: auth.KindAPIKey, Token: token})
	require.NoError(t, err)
	defer conn.Close()

	md := capture.Last()
	require.NotNil(t, md)
	assert.Equal(t, []string{"s1"}, md.Get(auth.SessionIDMD))
	assert.Equal(t, []string{auth.ClientName}, md.Get("x-eyepop-client"))

	scope := model.DatasetScope("d1")
	require.NoError(t, conn.Send(ctx, transport.Command{Type: transport.CommandSubscribe, Scope: scope}))
	require.Eventually(t, func() bool { return ps.Subscribed(scope) }, 2*time.Second, 5*time.Millisecond)

	payload := json.RawMessage(`{"name":"cats"}`)
	require.Equal(t, 1, ps.Publish(model.Event{ChangeType: model.ChangeResourceModified, Scope: scope, Seq: 3, Payload: payload}))

	ev, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeResourceModified, ev.ChangeType)
	assert.Equal(t, scope, ev.Scope)
	assert.Equal(t, uint64(3), ev.Seq)
	assert.JSONEq(t, string(payload), string(ev.Payload))

	require.NoError(t, conn.Send(ctx, transport.Command{Type: transport.CommandUnsubscribe, Scope: scope}))
	require.Eventually(t, func() bool { return !ps.Subscribed(scope) }, 2*time.Second, 5*time.Millisecond)
}

func TestPusher_DropEndsRecv(t *testing.T) {
	p, ps, _ := startPush(t)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, err := p.Dial(ctx, &transport.Session{ID: "s1"}, &auth.Credential{Token: token})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ps.Streams() == 1 }, 2*time.Second, 5*time.Millisecond)

	ps.DropStreams()
	_, err = conn.Recv(ctx)
	require.ErrorIs(t, err, model.ErrConnection)
}

func TestPusher_CloseEndsRecv(t *testing.T) {
	p, _, _ := startPush(t)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, err := p.Dial(ctx, &transport.Session{ID: "s1"}, &auth.Credential{Token: token})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Recv(ctx)
		done <- err
	}()
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, transport.ErrPushClosed)
	case <-ctx.Done():
		t.Fatal("Recv did not return after Close")
	}
}

func TestPusher_RejectsBadToken(t *testing.T) {
	p, _, _ := startPush(t)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, err := p.Dial(ctx, &transport.Session{ID: "s1"}, &auth.Credential{Token: "wrong"})
	if err == nil {
		defer conn.Close()
		_, err = conn.Recv(ctx)
	}
	require.ErrorIs(t, err, model.ErrAuth)
}

func TestClient_Health(t *testing.T) {
	p, _, _ := startPush(t)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	st, err := p.Client().Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, st)
}

func TestEventRoundTrip(t *testing.T) {
	files, err := pushgrpc.PushDescriptors()
	require.NoError(t, err)
	_, md, err := pushgrpc.FindMethod(files, pushgrpc.EventsMethod)
	require.NoError(t, err)

	ev := model.Event{ChangeType: model.ChangeEventsLost, Scope: model.JobScope("j1")}
	got := pushgrpc.DecodeEvent(pushgrpc.EncodeEvent(md.Output(), ev))
	assert.Equal(t, ev, got)

	cmd := transport.Command{Type: transport.CommandSubscribe, Scope: model.AccountScope("a1")}
	assert.Equal(t, cmd, pushgrpc.DecodeCommand(pushgrpc.EncodeCommand(md.Input(), cmd)))
}
