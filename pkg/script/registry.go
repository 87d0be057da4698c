package script

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownState is returned when a state id has no script line.
var ErrUnknownState = errors.New("script: unknown state")

// Registry maps script states to the line that must be spoken in them.
type Registry interface {
	RequiredLine(stateID string) (string, error)
	IsKnownState(stateID string) bool
}

// State is one step of a call script.
type State struct {
	ID   string `json:"id"`
	Line string `json:"line"`
}

// Script is an ordered, immutable Registry.
type Script struct {
	name    string
	initial string
	states  []State
	index   map[string]int
}

// New builds a script. The initial state defaults to the first state.
func New(name, initial string, states []State) (*Script, error) {
	if len(states) == 0 {
		return nil, errors.New("script: no states")
	}
	s := &Script{
		name:   name,
		states: make([]State, 0, len(states)),
		index:  make(map[string]int, len(states)),
	}
	for _, st := range states {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return nil, errors.New("script: state id required")
		}
		if _, dup := s.index[id]; dup {
			return nil, fmt.Errorf("script: duplicate state %q", id)
		}
		if strings.TrimSpace(st.Line) == "" {
			return nil, fmt.Errorf("script: state %q has no line", id)
		}
		s.index[id] = len(s.states)
		s.states = append(s.states, State{ID: id, Line: st.Line})
	}
	initial = strings.TrimSpace(initial)
	if initial == "" {
		initial = s.states[0].ID
	}
	if _, ok := s.index[initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %q", ErrUnknownState, initial)
	}
	s.initial = initial
	return s, nil
}

func (s *Script) Name() string    { return s.name }
func (s *Script) Initial() string { return s.initial }

func (s *Script) States() []State {
	return append([]State(nil), s.states...)
}

func (s *Script) RequiredLine(stateID string) (string, error) {
	i, ok := s.index[stateID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, stateID)
	}
	return s.states[i].Line, nil
}

func (s *Script) IsKnownState(stateID string) bool {
	_, ok := s.index[stateID]
	return ok
}
