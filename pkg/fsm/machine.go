package fsm

import (
	"errors"
	"fmt"
	"sync"
)

type State string
type Event string

// ErrNoTransition is returned by Fire when the current state has no edge for the event.
var ErrNoTransition = errors.New("fsm: no transition")

// Transition describes one state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Handler is executed after a transition has been applied.
// It runs outside the machine lock, so it may call back into the machine.
type Handler func(t Transition, args ...interface{}) error

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// Can reports whether event has an edge from the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitions[sm.current][event]
	return ok
}

// Fire triggers a state transition. It is thread-safe.
// The new state is visible to the handler; a handler error is returned
// but does not roll the transition back.
func (sm *StateMachine) Fire(event Event, args ...interface{}) (Transition, error) {
	sm.mu.Lock()
	next, ok := sm.transitions[sm.current][event]
	if !ok {
		from := sm.current
		sm.mu.Unlock()
		return Transition{From: from, To: from, Event: event}, fmt.Errorf("%w from %s via %s", ErrNoTransition, from, event)
	}

	t := Transition{From: sm.current, To: next, Event: event}
	handler := sm.callbacks[sm.current][event]
	sm.current = next
	sm.mu.Unlock()

	if handler != nil {
		if err := handler(t, args...); err != nil {
			return t, err
		}
	}
	return t, nil
}

// Force moves the machine to state without consulting the transition table.
func (sm *StateMachine) Force(state State) Transition {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	t := Transition{From: sm.current, To: state, Event: "force"}
	sm.current = state
	return t
}

// Personal.AI order the ending
