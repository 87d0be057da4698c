package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:      {StateListening, StateThinking, StateSpeaking},
	StateListening: {StateThinking, StateSpeaking, StateIdle},
	StateThinking:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:  {StateListening, StateIdle},
}

// Machine tracks who holds the floor in a call.
type Machine struct {
	mu            sync.RWMutex
	currentState  State
	speakingSince time.Time
	listeners     []StateListener
}

func NewMachine() *Machine {
	return &Machine{currentState: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// Speaking reports whether bot audio is playing.
func (m *Machine) Speaking() bool { return m.State() == StateSpeaking }

// SpeakingFor returns how long the bot has been speaking, or zero.
func (m *Machine) SpeakingFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentState != StateSpeaking {
		return 0
	}
	return time.Since(m.speakingSince)
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.currentState, state) {
		from := m.currentState
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	event := StateChange{
		FromState: m.currentState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.currentState = state
	if state == StateSpeaking {
		m.speakingSince = event.Timestamp
	}
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// listeners run without the lock so they may query the machine
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// OnUserFinal records a completed user utterance.
func (m *Machine) OnUserFinal() {
	if m.State() != StateThinking {
		_ = m.Transition(StateThinking, "user utterance")
	}
}

// OnBotStarted records the first bot audio of an utterance.
func (m *Machine) OnBotStarted() {
	if m.State() != StateSpeaking {
		_ = m.Transition(StateSpeaking, "bot started speaking")
	}
}

// OnBotStopped records the end of bot playback.
func (m *Machine) OnBotStopped() {
	if m.State() == StateSpeaking {
		_ = m.Transition(StateListening, "bot stopped speaking")
	}
}

// Reset returns the machine to idle at call end.
func (m *Machine) Reset() {
	if m.State() != StateIdle {
		_ = m.Transition(StateIdle, "reset")
	}
}
