// Package grpcbuf runs an in-memory push service over bufconn for tests.
package grpcbuf

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	pushgrpc "github.com/eyepop-ai/eyepop-sdk-go/pkg/grpc"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const bufSize = 1024 * 1024

// Target is the dial target to use together with Dialer.
const Target = "passthrough://bufnet"

// MetaCapture captures incoming metadata on the server side for later inspection in tests.
type MetaCapture struct {
	last atomic.Value // stores metadata.MD
}

// StreamInterceptor records incoming metadata and forwards the stream to the next handler.
func (m *MetaCapture) StreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
		m.last.Store(md)
	}
	return handler(srv, ss)
}

// Last returns the most recently captured metadata or nil if none.
func (m *MetaCapture) Last() metadata.MD {
	if v := m.last.Load(); v != nil {
		return v.(metadata.MD)
	}
	return nil
}

// pushService is the handler type registered for the push service.
type pushService interface {
	events(stream grpc.ServerStream) error
}

// PushServer is a fake push service. Streams are accepted when they carry
// "authorization: Bearer <Token>" or "x-eyepop-session: <Token>".
type PushServer struct {
	Token string

	command  protoreflect.MessageDescriptor
	envelope protoreflect.MessageDescriptor

	mu      sync.Mutex
	streams map[*pushStream]struct{}
}

type pushStream struct {
	ss     grpc.ServerStream
	sendMu sync.Mutex
	subs   map[model.Scope]bool
	drop   chan struct{}
}

// NewPushServer builds a push server for the compiled push descriptors.
func NewPushServer(token string) (*PushServer, *grpc.ServiceDesc, error) {
	files, err := pushgrpc.PushDescriptors()
	if err != nil {
		return nil, nil, err
	}
	_, md, err := pushgrpc.FindMethod(files, pushgrpc.EventsMethod)
	if err != nil {
		return nil, nil, err
	}
	ps := &PushServer{
		Token:    token,
		command:  md.Input(),
		envelope: md.Output(),
		streams:  make(map[*pushStream]struct{}),
	}
	desc := &grpc.ServiceDesc{
		ServiceName: string(md.Parent().FullName()),
		HandlerType: (*pushService)(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{{
			StreamName:    pushgrpc.EventsMethod,
			Handler:       eventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		}},
		Metadata: "push.proto",
	}
	return ps, desc, nil
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(pushService).events(stream)
}

func (p *PushServer) events(ss grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(ss.Context())
	if !p.authorized(md) {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	st := &pushStream{ss: ss, subs: make(map[model.Scope]bool), drop: make(chan struct{})}
	p.mu.Lock()
	p.streams[st] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.streams, st)
		p.mu.Unlock()
	}()

	// Registered before the header so a dialed client is always counted.
	if err := ss.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg := dynamicpb.NewMessage(p.command)
			if err := ss.RecvMsg(msg); err != nil {
				recvErr <- err
				return
			}
			cmd := pushgrpc.DecodeCommand(msg)
			p.mu.Lock()
			st.subs[cmd.Scope] = cmd.Type == transport.CommandSubscribe
			p.mu.Unlock()
		}
	}()

	select {
	case <-recvErr:
		return nil
	case <-st.drop:
		return status.Error(codes.Unavailable, "dropped")
	case <-ss.Context().Done():
		return ss.Context().Err()
	}
}

func (p *PushServer) authorized(md metadata.MD) bool {
	if got := md.Get("x-eyepop-session"); len(got) > 0 && got[0] == p.Token {
		return true
	}
	got := md.Get("authorization")
	return len(got) > 0 && strings.TrimPrefix(got[0], "Bearer ") == p.Token
}

// Subscribed reports whether any open stream subscribed to scope.
func (p *PushServer) Subscribed(scope model.Scope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for st := range p.streams {
		if st.subs[scope] {
			return true
		}
	}
	return false
}

// Streams returns the number of open streams.
func (p *PushServer) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Publish sends ev to every stream subscribed to its scope and returns the
// number of receivers.
func (p *PushServer) Publish(ev model.Event) int {
	p.mu.Lock()
	var targets []*pushStream
	for st := range p.streams {
		if st.subs[ev.Scope] {
			targets = append(targets, st)
		}
	}
	p.mu.Unlock()

	n := 0
	for _, st := range targets {
		st.sendMu.Lock()
		err := st.ss.SendMsg(pushgrpc.EncodeEvent(p.envelope, ev))
		st.sendMu.Unlock()
		if err == nil {
			n++
		}
	}
	return n
}

// DropStreams ends every open stream with codes.Unavailable.
func (p *PushServer) DropStreams() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for st := range p.streams {
		select {
		case <-st.drop:
		default:
			close(st.drop)
		}
	}
}

// StartServer spins up a bufconn-backed gRPC server exposing the push
// service and the standard health service, with metadata capture enabled.
func StartServer(token string) (*grpc.Server, *bufconn.Listener, *PushServer, *MetaCapture, error) {
	ps, desc, err := NewPushServer(token)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	lis := bufconn.Listen(bufSize)
	mc := &MetaCapture{}
	srv := grpc.NewServer(grpc.StreamInterceptor(mc.StreamInterceptor))
	srv.RegisterService(desc, ps)
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	return srv, lis, ps, mc, nil
}

// Dialer returns the dial option routing Target to lis.
func Dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() })
}
