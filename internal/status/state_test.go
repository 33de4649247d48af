package status

import (
	"testing"
	"time"

	"github.com/courier-im/courier/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		walk []State
	}{
		{[]State{Connecting}},
		{[]State{Connecting, Connected}},
		{[]State{Connecting, Disconnected}},
		{[]State{Connecting, Connected, Disconnected}},
		{[]State{Connecting, Connected, Disconnected, Connecting}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, to := range tt.walk {
			if err := m.Transition(to); err != nil {
				t.Errorf("Transition(%s) error = %v", to, err)
			}
		}
		if m.Current() != tt.walk[len(tt.walk)-1] {
			t.Errorf("state = %s, want %s", m.Current(), tt.walk[len(tt.walk)-1])
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	if err := m.Transition(Disconnected); err == nil {
		t.Error("Transition(DISCONNECTED -> DISCONNECTED) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type = %T, want Change", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v, want DISCONNECTED -> CONNECTING", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status change event")
	}
}
