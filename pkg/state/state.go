// Package state implements the endpoint lifecycle state machine and the
// synchronous fan-out of transitions to observers.
package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"go.uber.org/zap"
)

// Observer receives every transition as (previous, next).
type Observer func(prev, next model.State)

var edges = map[model.State][]model.State{
	model.StateIdle:          {model.StateConnecting},
	model.StateConnecting:    {model.StateConnected, model.StateError},
	model.StateConnected:     {model.StateReconnecting, model.StateError, model.StateDisconnecting},
	model.StateReconnecting:  {model.StateConnected, model.StateError, model.StateDisconnecting},
	model.StateError:         {model.StateConnecting, model.StateDisconnecting},
	model.StateDisconnecting: {model.StateDisconnected},
	model.StateDisconnected:  {model.StateConnecting},
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to model.State) bool {
	return slices.Contains(edges[from], to)
}

// TransitionError is returned for an illegal transition.
type TransitionError struct {
	From, To model.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

type observer struct {
	id uint64
	fn Observer
}

// Machine tracks the current state. Observers are notified synchronously in
// registration order; notifications are serialized so every observer sees
// transitions in the order they happened. Observers must not call back into
// operations that transition the same Machine.
type Machine struct {
	mu        sync.Mutex
	current   model.State
	observers []observer
	nextID    uint64

	notifyMu sync.Mutex
	// OnObserverPanic is called with the recovered value when an observer panics.
	OnObserverPanic func(v any)
}

// New returns a Machine in StateIdle.
func New() *Machine {
	return &Machine{current: model.StateIdle}
}

// Current returns the current state.
func (m *Machine) Current() model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Observe registers fn and returns a function that removes it.
func (m *Machine) Observe(fn Observer) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.observers = slices.DeleteFunc(m.observers, func(o observer) bool { return o.id == id })
	}
}

// Transition moves to `to`. A transition to the current state is a no-op
// and notifies nobody.
func (m *Machine) Transition(to model.State) error {
	_, err := m.TryBegin(to)
	return err
}

// TryBegin atomically checks that the machine is in one of from (any state
// when from is empty) and moves to `to`. It returns the state observed
// before the attempt. The source check runs first, so a caller racing
// another TryBegin to the same target loses with a TransitionError.
func (m *Machine) TryBegin(to model.State, from ...model.State) (model.State, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.current
	if len(from) > 0 && !slices.Contains(from, prev) {
		m.mu.Unlock()
		return prev, &TransitionError{From: prev, To: to}
	}
	if prev == to {
		m.mu.Unlock()
		return prev, nil
	}
	if !Allowed(prev, to) {
		m.mu.Unlock()
		return prev, &TransitionError{From: prev, To: to}
	}
	m.current = to
	obs := slices.Clone(m.observers)
	m.mu.Unlock()

	zap.L().Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", to))
	for _, o := range obs {
		m.notify(o.fn, prev, to)
	}
	return prev, nil
}

func (m *Machine) notify(fn Observer, prev, next model.State) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("state observer panicked",
				zap.Stringer("from", prev), zap.Stringer("to", next), zap.Any("panic", r))
			if m.OnObserverPanic != nil {
				m.OnObserverPanic(r)
			}
		}
	}()
	fn(prev, next)
}
