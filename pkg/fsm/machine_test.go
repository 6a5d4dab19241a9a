package fsm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStateMachine_Reentrant(t *testing.T) {
	sm := New(State("initial"))

	sm.AddTransition(State("initial"), State("intermediate"), Event("first"), func(tr Transition, args ...interface{}) error {
		_, err := sm.Fire(Event("second"))
		return err
	})

	sm.AddTransition(State("intermediate"), State("final"), Event("second"), nil)

	done := make(chan bool)
	go func() {
		if _, err := sm.Fire(Event("first")); err != nil {
			t.Errorf("Fire failed: %v", err)
		}
		done <- true
	}()

	select {
	case <-done:
		if sm.Current() != State("final") {
			t.Errorf("Expected state final, got %s", sm.Current())
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Deadlock detected: Fire did not return within 1 second")
	}
}

func TestStateMachine_Basic(t *testing.T) {
	sm := New(State("off"))
	sm.AddTransition(State("off"), State("on"), Event("push"), nil)

	if sm.Current() != State("off") {
		t.Errorf("Expected off, got %s", sm.Current())
	}
	if !sm.Can(Event("push")) {
		t.Error("Expected push to be allowed from off")
	}

	tr, err := sm.Fire(Event("push"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.From != State("off") || tr.To != State("on") {
		t.Errorf("Unexpected transition %+v", tr)
	}
	if sm.Current() != State("on") {
		t.Errorf("Expected on, got %s", sm.Current())
	}
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := New(State("start"))
	tr, err := sm.Fire(Event("unknown"))
	if !errors.Is(err, ErrNoTransition) {
		t.Fatalf("Expected ErrNoTransition, got %v", err)
	}
	if tr.From != tr.To || sm.Current() != State("start") {
		t.Errorf("State must not move on an invalid event, got %+v", tr)
	}
}

func TestStateMachine_HandlerError(t *testing.T) {
	sm := New(State("A"))
	sm.AddTransition(State("A"), State("B"), Event("go"), func(tr Transition, args ...interface{}) error {
		return fmt.Errorf("handler failed")
	})

	_, err := sm.Fire(Event("go"))
	if err == nil || err.Error() != "handler failed" {
		t.Fatalf("Expected handler failed error, got %v", err)
	}

	if sm.Current() != State("B") {
		t.Errorf("Expected state B even if handler failed, got %s", sm.Current())
	}
}

func TestStateMachine_StateConsistencyInHandler(t *testing.T) {
	sm := New(State("A"))
	var stateInHandler State
	sm.AddTransition(State("A"), State("B"), Event("go"), func(tr Transition, args ...interface{}) error {
		stateInHandler = sm.Current()
		return nil
	})

	sm.Fire(Event("go"))
	if stateInHandler != State("B") {
		t.Errorf("Expected handler to see state B, saw %s", stateInHandler)
	}
}

func TestStateMachine_Force(t *testing.T) {
	sm := New(State("A"))
	tr := sm.Force(State("Z"))
	if tr.From != State("A") || tr.To != State("Z") {
		t.Errorf("Unexpected transition %+v", tr)
	}
	if sm.Current() != State("Z") {
		t.Errorf("Expected Z, got %s", sm.Current())
	}
}
