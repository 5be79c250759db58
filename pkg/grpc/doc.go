// Package grpc provides the gRPC push transport for an Endpoint.
//
// The push contract (eyepop.push.v1.PushService) is embedded as a .proto
// source and compiled at runtime with protocompile. Commands and events are
// marshalled through dynamicpb, so no generated stubs are needed.
//
// # Client Creation
//
//	client, err := grpc.NewClient("https://push.eyepop.ai:443")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// The endpoint scheme selects transport security: "https://" uses TLS,
// "http://" and bare addresses are insecure.
//
// # Push Streams
//
// NewPusher wraps a Client into a transport.Pusher. Each Dial opens one
// bidirectional Events stream carrying the credential and the session id as
// metadata:
//
//	pusher, err := grpc.NewPusher(client)
//	conn, err := pusher.Dial(ctx, session, cred)
//	_ = conn.Send(ctx, transport.Command{Type: transport.CommandSubscribe, Scope: scope})
//	ev, err := conn.Recv(ctx)
//
// gRPC status codes map onto the SDK error taxonomy: Unauthenticated and
// PermissionDenied become model.ErrAuth, NotFound becomes model.ErrNotFound,
// Canceled and a clean end of stream become transport.ErrPushClosed, and
// everything else is model.ErrConnection.
//
// # Health
//
// Client.Health runs the standard grpc.health.v1 check against the push
// endpoint.
package grpc
