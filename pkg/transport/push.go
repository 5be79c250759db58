package transport

import (
	"context"
	"errors"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// Push command types sent from client to server.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// Command changes the set of scopes the server pushes events for.
type Command struct {
	Type  string      `json:"type"`
	Scope model.Scope `json:"scope"`
}

// ErrPushClosed is returned by Recv after the peer closed the connection
// normally or after Close.
var ErrPushClosed = errors.New("push connection closed")

// PushConn is one physical push connection. Recv is called from a single
// goroutine; Send may be called concurrently with Recv.
type PushConn interface {
	Send(ctx context.Context, cmd Command) error
	Recv(ctx context.Context) (model.Event, error)
	Close() error
}

// Pusher dials push connections for a session.
type Pusher interface {
	Dial(ctx context.Context, s *Session, cred *auth.Credential) (PushConn, error)
	Kind() string
}
