package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/auth"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

const wsReadLimit = 4 << 20

// WebSocketPusher dials JSON push sockets.
type WebSocketPusher struct {
	BaseURL string
	// HTTPClient is used for the upgrade request. It must not carry a
	// response timeout, since the connection outlives the handshake.
	HTTPClient *http.Client
}

func (p *WebSocketPusher) Kind() string { return "websocket" }

// EventsURL returns the push URL for s.
func (p *WebSocketPusher) EventsURL(s *Session) string {
	if s.PushURL != "" {
		return s.PushURL
	}
	u := strings.TrimRight(p.BaseURL, "/") + "/v1/sessions/" + url.PathEscape(s.ID) + "/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (p *WebSocketPusher) Dial(ctx context.Context, s *Session, cred *auth.Credential) (PushConn, error) {
	header := http.Header{}
	cred.Apply(header)
	conn, resp, err := websocket.Dial(ctx, p.EventsURL(s), &websocket.DialOptions{
		HTTPClient: p.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("push dial: %w", &StatusError{Method: http.MethodGet, Route: "/v1/sessions/{sid}/events", Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("%w: push dial: %w", model.ErrConnection, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{c: conn}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, cmd Command) error {
	if err := wsjson.Write(ctx, w.c, cmd); err != nil {
		return fmt.Errorf("%w: push send: %w", model.ErrConnection, err)
	}
	return nil
}

func (w *wsConn) Recv(ctx context.Context) (model.Event, error) {
	var ev model.Event
	err := wsjson.Read(ctx, w.c, &ev)
	if err == nil {
		return ev, nil
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, net.ErrClosed) {
		return model.Event{}, ErrPushClosed
	}
	return model.Event{}, fmt.Errorf("%w: push recv: %w", model.ErrConnection, err)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}
