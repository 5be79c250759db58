package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Pusher opens push streams over a shared gRPC connection. It implements
// transport.Pusher.
type Pusher struct {
	client     *Client
	fullMethod string
	command    protoreflect.MessageDescriptor
	envelope   protoreflect.MessageDescriptor
}

// NewPusher resolves the push method in the client's descriptors.
func NewPusher(c *Client) (*Pusher, error) {
	fd, md, err := FindMethod(c.ProtoFiles, EventsMethod)
	if err != nil {
		return nil, err
	}
	if !md.IsStreamingClient() || !md.IsStreamingServer() {
		return nil, fmt.Errorf("method %s is not bidirectional", md.FullName())
	}
	return &Pusher{
		client:     c,
		fullMethod: FullMethodName(fd, md),
		command:    md.Input(),
		envelope:   md.Output(),
	}, nil
}

func (p *Pusher) Kind() string { return "grpc" }

// Client returns the underlying client.
func (p *Pusher) Client() *Client { return p.client }

// Dial opens one push stream for s. ctx bounds the dial only; the stream
// lives until Close.
func (p *Pusher) Dial(ctx context.Context, s *transport.Session, cred *auth.Credential) (transport.PushConn, error) {
	if err := p.client.waitReady(ctx); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if cred != nil {
		sctx = cred.GRPCMetadata(sctx)
	}
	sctx = metadata.AppendToOutgoingContext(sctx, auth.SessionIDMD, s.ID)

	stream, err := p.client.GRPC.NewStream(sctx, &grpc.StreamDesc{
		StreamName:    EventsMethod,
		ServerStreams: true,
		ClientStreams: true,
	}, p.fullMethod)
	if err != nil {
		cancel()
		return nil, statusError("push dial", err)
	}
	conn := &streamConn{stream: stream, cancel: cancel, command: p.command, envelope: p.envelope}

	// Wait for the response headers so a rejected stream fails the dial.
	hdr := make(chan metadata.MD, 1)
	go func() {
		md, _ := stream.Header()
		hdr <- md
	}()
	select {
	case md := <-hdr:
		if md == nil {
			_, err := conn.Recv(ctx)
			cancel()
			if errors.Is(err, transport.ErrPushClosed) {
				err = fmt.Errorf("%w: push stream ended during dial", model.ErrConnection)
			}
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("%w: push dial: %w", model.ErrConnection, ctx.Err())
	}
	return conn, nil
}

// waitReady blocks until the connection is ready, fails or ctx ends.
func (c *Client) waitReady(ctx context.Context) error {
	c.GRPC.Connect()
	for {
		st := c.GRPC.GetState()
		switch st {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("%w: grpc connection %s", model.ErrConnection, st)
		}
		if !c.GRPC.WaitForStateChange(ctx, st) {
			return fmt.Errorf("%w: grpc connect: %w", model.ErrConnection, ctx.Err())
		}
	}
}

type streamConn struct {
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	command  protoreflect.MessageDescriptor
	envelope protoreflect.MessageDescriptor

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *streamConn) Send(ctx context.Context, cmd transport.Command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: push send: %w", model.ErrConnection, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(EncodeCommand(c.command, cmd)); err != nil {
		return statusError("push send", err)
	}
	return nil
}

// Recv cancels the whole stream when ctx ends, mirroring the websocket
// transport.
func (c *streamConn) Recv(ctx context.Context) (model.Event, error) {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	msg := dynamicpb.NewMessage(c.envelope)
	if err := c.stream.RecvMsg(msg); err != nil {
		return model.Event{}, statusError("push recv", err)
	}
	return DecodeEvent(msg), nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
	})
	return nil
}

// statusError maps a gRPC status onto the error taxonomy.
func statusError(op string, err error) error {
	if errors.Is(err, io.EOF) {
		return transport.ErrPushClosed
	}
	switch status.Code(err) {
	case codes.Canceled:
		return transport.ErrPushClosed
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s: %w", model.ErrAuth, op, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %s: %w", model.ErrNotFound, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", model.ErrConnection, op, err)
	}
}

// EncodeCommand builds a Command message of descriptor desc.
func EncodeCommand(desc protoreflect.MessageDescriptor, cmd transport.Command) *dynamicpb.Message {
	f := desc.Fields()
	m := dynamicpb.NewMessage(desc)
	m.Set(f.ByName("type"), protoreflect.ValueOfString(cmd.Type))
	m.Set(f.ByName("scope_kind"), protoreflect.ValueOfString(string(cmd.Scope.Kind)))
	m.Set(f.ByName("scope_id"), protoreflect.ValueOfString(cmd.Scope.ID))
	return m
}

// DecodeCommand reads a Command message.
func DecodeCommand(m protoreflect.Message) transport.Command {
	f := m.Descriptor().Fields()
	return transport.Command{
		Type: m.Get(f.ByName("type")).String(),
		Scope: model.Scope{
			Kind: model.ScopeKind(m.Get(f.ByName("scope_kind")).String()),
			ID:   m.Get(f.ByName("scope_id")).String(),
		},
	}
}

// EncodeEvent builds an Envelope message of descriptor desc.
func EncodeEvent(desc protoreflect.MessageDescriptor, ev model.Event) *dynamicpb.Message {
	f := desc.Fields()
	m := dynamicpb.NewMessage(desc)
	m.Set(f.ByName("change_type"), protoreflect.ValueOfString(string(ev.ChangeType)))
	m.Set(f.ByName("scope_kind"), protoreflect.ValueOfString(string(ev.Scope.Kind)))
	m.Set(f.ByName("scope_id"), protoreflect.ValueOfString(ev.Scope.ID))
	m.Set(f.ByName("seq"), protoreflect.ValueOfUint64(ev.Seq))
	if len(ev.Payload) > 0 {
		m.Set(f.ByName("payload"), protoreflect.ValueOfBytes(ev.Payload))
	}
	return m
}

// DecodeEvent reads an Envelope message.
func DecodeEvent(m protoreflect.Message) model.Event {
	f := m.Descriptor().Fields()
	ev := model.Event{
		ChangeType: model.ChangeType(m.Get(f.ByName("change_type")).String()),
		Scope: model.Scope{
			Kind: model.ScopeKind(m.Get(f.ByName("scope_kind")).String()),
			ID:   m.Get(f.ByName("scope_id")).String(),
		},
		Seq: m.Get(f.ByName("seq")).Uint(),
	}
	if b := m.Get(f.ByName("payload")).Bytes(); len(b) > 0 {
		ev.Payload = json.RawMessage(slices.Clone(b))
	}
	return ev
}
