package sdk

import (
	"context"
	"errors"
	"fmt"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/events"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/state"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/telemetry"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// State returns the current lifecycle state.
func (e *Endpoint) State() model.State {
	return e.machine.Current()
}

// OnStateChanged registers fn for every state transition and returns a
// function that removes it. fn runs synchronously on the transitioning
// goroutine and must not call Connect or Disconnect.
func (e *Endpoint) OnStateChanged(fn func(prev, next model.State)) (remove func()) {
	return e.machine.Observe(fn)
}

// Config returns the validated configuration.
func (e *Endpoint) Config() config.Config {
	return e.cfg
}

// Connect opens a worker session and the push connection.
//
// Connect on a Connected endpoint is a no-op. It fails with
// model.ErrAlreadyConnecting while another Connect or a reconnect is in
// progress, and with model.ErrConnection while disconnecting. A failed
// attempt leaves the endpoint in StateError.
func (e *Endpoint) Connect(ctx context.Context) error {
	prev, err := e.machine.TryBegin(model.StateConnecting,
		model.StateIdle, model.StateDisconnected, model.StateError)
	if err != nil {
		switch prev {
		case model.StateConnected:
			return nil
		case model.StateConnecting, model.StateReconnecting:
			return fmt.Errorf("%w: endpoint is %s", model.ErrAlreadyConnecting, prev)
		default:
			return fmt.Errorf("%w: endpoint is %s", model.ErrConnection, prev)
		}
	}
	if prev == model.StateError {
		// A previous cycle may have left a session behind.
		e.release(ctx)
	}

	life, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.life, e.lifeCancel = life, cancel
	e.mu.Unlock()

	ctx, span := telemetry.Tracer(telemetry.InstrumentationName).Start(ctx, "eyepop connect")
	defer span.End()

	// Disconnect cancels life to abort the attempt.
	actx, acancel := context.WithTimeout(ctx, e.timeouts.Dial)
	stop := context.AfterFunc(life, acancel)
	sess, conn, err := e.open(actx)
	stop()
	acancel()

	if err == nil && life.Err() != nil {
		err = fmt.Errorf("%w: connect aborted", model.ErrConnection)
		e.closeAll(ctx, sess, conn)
	}
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Error("connect failed", zap.String("url", e.cfg.URL), zap.Error(err))
		_ = e.machine.Transition(model.StateError)
		return err
	}

	span.SetAttributes(telemetry.SessionAttributes(sess.ID, sess.PopID, e.pushKind())...)

	e.mu.Lock()
	e.session, e.popID, e.push = sess, sess.PopID, conn
	e.mu.Unlock()
	if conn != nil {
		e.resubscribe(life, conn)
	}

	if life.Err() != nil {
		// Disconnect cancelled the attempt and releases what was stored above.
		err := fmt.Errorf("%w: connect aborted", model.ErrConnection)
		span.SetStatus(codes.Error, err.Error())
		_ = e.machine.Transition(model.StateError)
		return err
	}
	_ = e.machine.Transition(model.StateConnected)
	if conn != nil {
		e.wg.Add(1)
		go e.run(life, conn)
	}
	zap.L().Info("endpoint connected",
		zap.String("session_id", sess.ID),
		zap.String("pop_id", sess.PopID))
	return nil
}

// open performs the session handshake and dials the push connection.
func (e *Endpoint) open(ctx context.Context) (*transport.Session, transport.PushConn, error) {
	sess, err := e.openSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	if e.pusher == nil {
		return sess, nil, nil
	}
	conn, err := e.dialPush(ctx, sess)
	if err != nil {
		e.closeAll(context.WithoutCancel(ctx), sess, nil)
		return nil, nil, err
	}
	return sess, conn, nil
}

func (e *Endpoint) pushKind() string {
	if e.pusher == nil {
		return config.PushNone
	}
	return e.pusher.Kind()
}

func (e *Endpoint) openSession(ctx context.Context) (*transport.Session, error) {
	return e.rest.OpenSession(ctx, transport.SessionRequest{
		PopID:     e.cfg.PopID,
		Sandbox:   e.cfg.Sandbox,
		Transient: e.cfg.PopID == model.TransientPopID,
		ClientID:  e.clientID,
	})
}

func (e *Endpoint) dialPush(ctx context.Context, sess *transport.Session) (transport.PushConn, error) {
	cred, err := e.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	return e.pusher.Dial(ctx, sess, cred)
}

// Disconnect stops job streams, closes the push connection, deletes the
// server session (best effort) and drops all event handlers.
//
// Disconnect is idempotent: on a Disconnected endpoint it returns nil. It
// fails with model.ErrNotConnected on an endpoint that was never connected.
// An in-flight Connect is aborted first.
func (e *Endpoint) Disconnect(ctx context.Context) error {
	for {
		switch e.machine.Current() {
		case model.StateIdle:
			return fmt.Errorf("%w: endpoint was never connected", model.ErrNotConnected)
		case model.StateDisconnected:
			return nil
		case model.StateDisconnecting:
			return e.waitFor(ctx, func(s model.State) bool { return s == model.StateDisconnected })
		case model.StateConnecting:
			e.cancelLife()
			if err := e.waitFor(ctx, func(s model.State) bool { return s != model.StateConnecting }); err != nil {
				return err
			}
			continue
		}

		if _, err := e.machine.TryBegin(model.StateDisconnecting,
			model.StateConnected, model.StateReconnecting, model.StateError); err != nil {
			var te *state.TransitionError
			if errors.As(err, &te) {
				continue
			}
			return err
		}
		e.release(ctx)
		e.dispatcher.Clear()
		_ = e.machine.Transition(model.StateDisconnected)
		zap.L().Info("endpoint disconnected")
		return nil
	}
}

func (e *Endpoint) cancelLife() {
	e.mu.Lock()
	cancel := e.lifeCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// release ends the current connection cycle and waits for its background
// work to stop. life is cancelled under mu so a concurrent redial either
// stores its conn before the swap or sees the cancellation.
func (e *Endpoint) release(ctx context.Context) {
	e.mu.Lock()
	if e.lifeCancel != nil {
		e.lifeCancel()
	}
	sess, conn := e.session, e.push
	e.session, e.push = nil, nil
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	e.wg.Wait()
	e.closeAll(ctx, sess, nil)
}

// closeAll closes conn and deletes sess, logging failures.
func (e *Endpoint) closeAll(ctx context.Context, sess *transport.Session, conn transport.PushConn) {
	if conn != nil {
		_ = conn.Close()
	}
	if sess == nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeouts.Disconnect)
	defer cancel()
	if err := e.rest.CloseSession(tctx, sess.ID); err != nil {
		zap.L().Warn("failed to close session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// waitFor blocks until ok holds for the current state.
func (e *Endpoint) waitFor(ctx context.Context, ok func(model.State) bool) error {
	ch := make(chan struct{}, 1)
	remove := e.machine.Observe(func(_, next model.State) {
		if ok(next) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer remove()
	if ok(e.machine.Current()) {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// active returns the session when HTTP calls are allowed, which is while
// Connected or Reconnecting.
func (e *Endpoint) active() (*transport.Session, context.Context, error) {
	switch st := e.machine.Current(); st {
	case model.StateConnected, model.StateReconnecting:
	default:
		return nil, nil, fmt.Errorf("%w: endpoint is %s", model.ErrNotConnected, st)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, nil, fmt.Errorf("%w: no session", model.ErrNotConnected)
	}
	return e.session, e.life, nil
}

// AddHandler registers h for events of scope.
func (e *Endpoint) AddHandler(scope model.Scope, h events.Handler) events.Registration {
	return e.dispatcher.AddHandler(scope, h)
}

// RemoveHandler unregisters one handler.
func (e *Endpoint) RemoveHandler(reg events.Registration) {
	e.dispatcher.Remove(reg)
}

// RemoveAllHandlers drops every handler of scope; events for scope
// dispatched afterwards reach none of them.
func (e *Endpoint) RemoveAllHandlers(scope model.Scope) int {
	return e.dispatcher.RemoveAllHandlers(scope)
}

// HandlerCount returns the number of registered handlers across all scopes.
func (e *Endpoint) HandlerCount() int {
	return e.dispatcher.Total()
}

// AddAccountEventHandler registers h for events of the configured account.
func (e *Endpoint) AddAccountEventHandler(h events.Handler) events.Registration {
	return e.AddHandler(model.AccountScope(e.cfg.AccountUUID), h)
}

// RemoveAllAccountEventHandlers drops every account handler.
func (e *Endpoint) RemoveAllAccountEventHandlers() int {
	return e.RemoveAllHandlers(model.AccountScope(e.cfg.AccountUUID))
}

// AddDatasetEventHandler registers h for events of one dataset.
func (e *Endpoint) AddDatasetEventHandler(datasetUUID string, h events.Handler) events.Registration {
	return e.AddHandler(model.DatasetScope(datasetUUID), h)
}

// RemoveAllDatasetEventHandlers drops every handler of one dataset.
func (e *Endpoint) RemoveAllDatasetEventHandlers(datasetUUID string) int {
	return e.RemoveAllHandlers(model.DatasetScope(datasetUUID))
}

// AddModelEventHandler registers h for events of one model.
func (e *Endpoint) AddModelEventHandler(modelUUID string, h events.Handler) events.Registration {
	return e.AddHandler(model.ModelScope(modelUUID), h)
}

// RemoveAllModelEventHandlers drops every handler of one model.
func (e *Endpoint) RemoveAllModelEventHandlers(modelUUID string) int {
	return e.RemoveAllHandlers(model.ModelScope(modelUUID))
}

// AddIngressEventHandler registers h for events of one ingress.
func (e *Endpoint) AddIngressEventHandler(ingressID string, h events.Handler) events.Registration {
	return e.AddHandler(model.IngressScope(ingressID), h)
}

// RemoveAllIngressEventHandlers drops every handler of one ingress.
func (e *Endpoint) RemoveAllIngressEventHandlers(ingressID string) int {
	return e.RemoveAllHandlers(model.IngressScope(ingressID))
}
