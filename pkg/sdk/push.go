package sdk

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"go.uber.org/zap"
)

// reconnectJitter is the randomization factor of the reconnect backoff.
const reconnectJitter = 0.5

// subscribe is the dispatcher hook for the first handler of a scope.
func (e *Endpoint) subscribe(scope model.Scope) {
	e.command(transport.Command{Type: transport.CommandSubscribe, Scope: scope})
}

// unsubscribe is the dispatcher hook for the last handler of a scope.
func (e *Endpoint) unsubscribe(scope model.Scope) {
	e.command(transport.Command{Type: transport.CommandUnsubscribe, Scope: scope})
}

// command sends cmd on the live push connection. Without one the command is
// dropped; Connect and reconnect replay subscriptions from the dispatcher.
func (e *Endpoint) command(cmd transport.Command) {
	e.mu.Lock()
	conn, life := e.push, e.life
	e.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(life, e.timeouts.Request)
	defer cancel()
	if err := conn.Send(ctx, cmd); err != nil {
		zap.L().Warn("push command failed",
			zap.String("type", cmd.Type),
			zap.Stringer("scope", cmd.Scope),
			zap.Error(err))
	}
}

// resubscribe replays every scope that currently has handlers on conn.
func (e *Endpoint) resubscribe(life context.Context, conn transport.PushConn) {
	for _, scope := range e.dispatcher.Scopes() {
		ctx, cancel := context.WithTimeout(life, e.timeouts.Request)
		err := conn.Send(ctx, transport.Command{Type: transport.CommandSubscribe, Scope: scope})
		cancel()
		if err != nil {
			zap.L().Warn("resubscribe failed", zap.Stringer("scope", scope), zap.Error(err))
			return
		}
	}
}

// run pumps events from conn into the dispatcher. When the connection is
// lost it reconnects (AutoReconnect) or moves the endpoint to StateError.
func (e *Endpoint) run(life context.Context, conn transport.PushConn) {
	defer e.wg.Done()
	for conn != nil {
		err := e.pump(life, conn)
		_ = conn.Close()
		if life.Err() != nil {
			return
		}
		zap.L().Warn("push connection lost", zap.String("transport", e.pusher.Kind()), zap.Error(err))
		e.mu.Lock()
		if e.push == conn {
			e.push = nil
		}
		e.mu.Unlock()

		if !e.cfg.AutoReconnect {
			_, _ = e.machine.TryBegin(model.StateError, model.StateConnected)
			return
		}
		if _, err := e.machine.TryBegin(model.StateReconnecting, model.StateConnected); err != nil {
			return
		}
		conn = e.reconnectPush(life)
	}
}

func (e *Endpoint) pump(life context.Context, conn transport.PushConn) error {
	for {
		ev, err := conn.Recv(life)
		if err != nil {
			return err
		}
		e.dispatcher.Dispatch(ev)
	}
}

// reconnectPush redials with exponential backoff. On success it replays
// subscriptions, returns to StateConnected and tells every scope that
// events may have been lost. It returns nil when giving up.
func (e *Endpoint) reconnectPush(life context.Context) transport.PushConn {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.reconnect.InitialInterval,
		RandomizationFactor: reconnectJitter,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         e.reconnect.MaxInterval,
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(e.reconnect.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			zap.L().Warn("reconnect attempt failed", zap.Duration("retry_in", next), zap.Error(err))
		}),
	}
	if e.reconnect.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(e.reconnect.MaxAttempts))
	}

	conn, err := backoff.Retry(life, func() (transport.PushConn, error) {
		e.metrics.ReconnectAttempt()
		ctx, cancel := context.WithTimeout(life, e.timeouts.Dial)
		defer cancel()

		e.mu.Lock()
		sess := e.session
		e.mu.Unlock()
		if sess == nil {
			return nil, backoff.Permanent(model.ErrNotConnected)
		}

		c, err := e.dialPush(ctx, sess)
		switch {
		case err == nil:
			return c, nil
		case errors.Is(err, model.ErrNotFound):
			// The server dropped the session; open a fresh one for the next try.
			if ns, oerr := e.openSession(ctx); oerr == nil {
				e.mu.Lock()
				e.session, e.popID = ns, ns.PopID
				e.mu.Unlock()
			}
		case errors.Is(err, model.ErrAuth):
			e.creds.Invalidate()
		}
		return nil, err
	}, opts...)

	if err != nil {
		if life.Err() == nil {
			zap.L().Error("reconnect gave up", zap.Error(err))
			_, _ = e.machine.TryBegin(model.StateError, model.StateReconnecting)
		}
		return nil
	}

	e.mu.Lock()
	if life.Err() != nil {
		e.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	e.push = conn
	e.mu.Unlock()

	e.resubscribe(life, conn)
	if _, err := e.machine.TryBegin(model.StateConnected, model.StateReconnecting); err != nil {
		// Disconnecting: drop conn unless release already took it.
		e.mu.Lock()
		if e.push == conn {
			e.push = nil
		}
		e.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	zap.L().Info("push reconnected")
	e.dispatcher.Broadcast(model.ChangeEventsLost)
	return conn
}
