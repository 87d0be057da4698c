package turn

import (
	"sync"
	"testing"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(event StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMachineSpeakingCycle(t *testing.T) {
	m := NewMachine()
	listener := &captureListener{}
	m.AddListener(listener)

	m.OnBotStarted()
	if !m.Speaking() {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
	m.OnBotStarted()
	if listener.Count() != 1 {
		t.Fatalf("repeated start must not emit, got %d events", listener.Count())
	}
	m.OnBotStopped()
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after playback, got %s", m.State())
	}
	m.OnUserFinal()
	if m.State() != StateThinking {
		t.Fatalf("expected THINKING after user utterance, got %s", m.State())
	}
	m.Reset()
	if m.State() != StateIdle {
		t.Fatalf("expected IDLE after reset, got %s", m.State())
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(StateSpeaking, "test"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	err := m.Transition(StateThinking, "test")
	if err == nil {
		t.Fatalf("expected SPEAKING -> THINKING to be rejected")
	}
	if _, ok := err.(*InvalidTransitionError); !ok {
		t.Fatalf("unexpected error type %T", err)
	}
}

func TestMachineListenerMayQueryState(t *testing.T) {
	m := NewMachine()
	var seen State
	m.AddListener(ListenerFunc(func(ev StateChange) { seen = m.State() }))
	m.OnBotStarted()
	if seen != StateSpeaking {
		t.Fatalf("listener saw %s", seen)
	}
	if m.SpeakingFor() < 0 {
		t.Fatalf("negative speaking duration")
	}
}
