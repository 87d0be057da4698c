package script

import (
	"sync"
	"time"
)

// TransitionSink applies an accepted next state.
type TransitionSink interface {
	ApplyTransition(stateID string)
}

// Transition is one applied state change.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Conversation owns the current script state of one call. ApplyTransition is
// the only writer.
type Conversation struct {
	mu       sync.RWMutex
	registry Registry
	current  string
	history  []Transition
}

func NewConversation(registry Registry, initial string) *Conversation {
	return &Conversation{registry: registry, current: initial}
}

func (c *Conversation) Registry() Registry { return c.registry }

func (c *Conversation) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// RequiredLine returns the line for the current state.
func (c *Conversation) RequiredLine() (string, string, error) {
	state := c.Current()
	line, err := c.registry.RequiredLine(state)
	return state, line, err
}

// ApplyTransition moves to stateID. Unknown ids are ignored.
func (c *Conversation) ApplyTransition(stateID string) {
	if !c.registry.IsKnownState(stateID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Transition{From: c.current, To: stateID, At: time.Now()})
	c.current = stateID
}

func (c *Conversation) History() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Transition(nil), c.history...)
}
