// Package events routes server-pushed events to handlers registered per
// scope. Delivery is synchronous and in registration order; a failing
// handler never affects the others.
package events

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/metrics"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"go.uber.org/zap"
)

// Handler consumes one event. A returned error or a panic is reported and
// isolated from other handlers.
type Handler func(ev model.Event) error

// Registration identifies a single AddHandler call.
type Registration struct {
	Scope model.Scope
	id    uint64
}

// HandlerError wraps a failure of one handler.
type HandlerError struct {
	Scope      model.Scope
	ChangeType model.ChangeType
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s (%s): %v", e.Scope, e.ChangeType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ErrHandlerPanic is wrapped by HandlerError when a handler panicked.
var ErrHandlerPanic = errors.New("handler panicked")

type entry struct {
	id uint64
	h  Handler
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithErrorHandler sets a callback for handler failures.
func WithErrorHandler(fn func(*HandlerError)) Option {
	return func(d *Dispatcher) { d.onError = fn }
}

// WithScopeHooks sets callbacks fired when a scope gains its first handler
// and when it loses its last one. Hooks run serialized with registry
// mutations, never while the registry lock is held.
func WithScopeHooks(onFirst, onLast func(model.Scope)) Option {
	return func(d *Dispatcher) {
		d.onFirst = onFirst
		d.onLast = onLast
	}
}

// WithMetrics records dispatch counts and handler failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher is the per-endpoint handler registry.
type Dispatcher struct {
	mutateMu sync.Mutex
	mu       sync.RWMutex
	handlers map[model.Scope][]entry
	nextID   uint64

	onError func(*HandlerError)
	onFirst func(model.Scope)
	onLast  func(model.Scope)
	metrics *metrics.Metrics
}

// New builds an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[model.Scope][]entry)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// AddHandler registers h for scope. Handlers of one scope are called in the
// order they were added.
func (d *Dispatcher) AddHandler(scope model.Scope, h Handler) Registration {
	d.mutateMu.Lock()
	defer d.mutateMu.Unlock()

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	first := len(d.handlers[scope]) == 0
	d.handlers[scope] = append(d.handlers[scope], entry{id: id, h: h})
	d.mu.Unlock()

	if first && d.onFirst != nil {
		d.onFirst(scope)
	}
	return Registration{Scope: scope, id: id}
}

// Remove unregisters a single handler. Removing twice is a no-op.
func (d *Dispatcher) Remove(reg Registration) {
	d.mutateMu.Lock()
	defer d.mutateMu.Unlock()

	d.mu.Lock()
	hs, ok := d.handlers[reg.Scope]
	if !ok {
		d.mu.Unlock()
		return
	}
	hs = slices.DeleteFunc(slices.Clone(hs), func(e entry) bool { return e.id == reg.id })
	last := len(hs) == 0
	if last {
		delete(d.handlers, reg.Scope)
	} else {
		d.handlers[reg.Scope] = hs
	}
	d.mu.Unlock()

	if last && d.onLast != nil {
		d.onLast(reg.Scope)
	}
}

// RemoveAllHandlers drops every handler of scope and returns how many were
// removed. Events dispatched afterwards reach none of them.
func (d *Dispatcher) RemoveAllHandlers(scope model.Scope) int {
	d.mutateMu.Lock()
	defer d.mutateMu.Unlock()

	d.mu.Lock()
	n := len(d.handlers[scope])
	delete(d.handlers, scope)
	d.mu.Unlock()

	if n > 0 && d.onLast != nil {
		d.onLast(scope)
	}
	return n
}

// Clear drops all handlers of all scopes without firing scope hooks.
func (d *Dispatcher) Clear() {
	d.mutateMu.Lock()
	defer d.mutateMu.Unlock()

	d.mu.Lock()
	clear(d.handlers)
	d.mu.Unlock()
}

// Len returns the number of handlers registered for scope.
func (d *Dispatcher) Len(scope model.Scope) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[scope])
}

// Total returns the number of handlers across all scopes.
func (d *Dispatcher) Total() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, hs := range d.handlers {
		n += len(hs)
	}
	return n
}

// Scopes returns the scopes that currently have handlers.
func (d *Dispatcher) Scopes() []model.Scope {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Scope, 0, len(d.handlers))
	for s := range d.handlers {
		out = append(out, s)
	}
	return out
}

// Dispatch delivers ev to the handlers registered for ev.Scope at the
// moment Dispatch starts and returns the number of handlers invoked.
// Registrations changed by a handler take effect for the next event.
func (d *Dispatcher) Dispatch(ev model.Event) int {
	d.mu.RLock()
	snapshot := slices.Clone(d.handlers[ev.Scope])
	d.mu.RUnlock()

	for _, e := range snapshot {
		d.invoke(e.h, ev)
	}
	d.metrics.EventDispatched(string(ev.Scope.Kind), string(ev.ChangeType), len(snapshot))
	return len(snapshot)
}

// Broadcast delivers a synthetic event of type ct to every registered scope.
func (d *Dispatcher) Broadcast(ct model.ChangeType) {
	for _, scope := range d.Scopes() {
		d.Dispatch(model.Event{ChangeType: ct, Scope: scope})
	}
}

func (d *Dispatcher) invoke(h Handler, ev model.Event) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		err = h(ev)
	}()
	if err == nil {
		return
	}

	herr := &HandlerError{Scope: ev.Scope, ChangeType: ev.ChangeType, Err: err}
	zap.L().Error("event handler failed",
		zap.Stringer("scope", ev.Scope),
		zap.String("change_type", string(ev.ChangeType)),
		zap.Error(err))
	d.metrics.HandlerFailed(string(ev.Scope.Kind))
	if d.onError != nil {
		d.onError(herr)
	}
}
