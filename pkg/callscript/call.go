package callscript

import (
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/script"
	"github.com/harunnryd/callscript/pkg/turn"
)

// Turn is one gate decision as shown on the control panel.
type Turn struct {
	At         time.Time `json:"at"`
	State      string    `json:"state"`
	Candidate  string    `json:"candidate"`
	Spoken     string    `json:"spoken"`
	Overridden bool      `json:"overridden"`
	Reason     string    `json:"reason,omitempty"`
	Proposed   string    `json:"proposed,omitempty"`
}

// Call is the per-call state kept next to a session's pipeline.
type Call struct {
	StreamID string
	CallSID  string
	TraceID  string
	Started  time.Time

	conv *script.Conversation
	gate *script.Gate

	mu       sync.Mutex
	from     string
	to       string
	speaking bool
	turns    []Turn
}

// CallSnapshot is a point-in-time copy of a call.
type CallSnapshot struct {
	ID          string              `json:"id"`
	CallSID     string              `json:"call_sid"`
	TraceID     string              `json:"trace_id"`
	From        string              `json:"from,omitempty"`
	To          string              `json:"to,omitempty"`
	Started     time.Time           `json:"started"`
	State       string              `json:"state"`
	Pending     string              `json:"pending,omitempty"`
	Speaking    bool                `json:"speaking"`
	Turns       []Turn              `json:"turns"`
	Transitions []script.Transition `json:"transitions"`
}

func (c *Call) Conversation() *script.Conversation { return c.conv }
func (c *Call) Gate() *script.Gate                 { return c.gate }

func (c *Call) setParties(from, to string) {
	c.mu.Lock()
	c.from, c.to = from, to
	c.mu.Unlock()
}

// OnStateChange follows the turn machine so Speaking reflects the floor
// without reaching into the mute processor.
func (c *Call) OnStateChange(ev turn.StateChange) {
	c.mu.Lock()
	c.speaking = ev.ToState == turn.StateSpeaking
	c.mu.Unlock()
}

func (c *Call) addTurn(d script.Decision) {
	c.mu.Lock()
	c.turns = append(c.turns, Turn{
		At:         time.Now(),
		State:      d.State,
		Candidate:  d.Candidate.Say,
		Spoken:     d.Utterance,
		Overridden: d.Overridden,
		Reason:     d.Reason,
		Proposed:   d.Proposed,
	})
	c.mu.Unlock()
}

func (c *Call) Snapshot() CallSnapshot {
	c.mu.Lock()
	snap := CallSnapshot{
		ID:       c.StreamID,
		CallSID:  c.CallSID,
		TraceID:  c.TraceID,
		From:     c.from,
		To:       c.to,
		Started:  c.Started,
		Speaking: c.speaking,
		Turns:    append([]Turn{}, c.turns...),
	}
	c.mu.Unlock()

	snap.State = c.conv.Current()
	snap.Pending, _ = c.gate.Pending()
	snap.Transitions = c.conv.History()
	if snap.Transitions == nil {
		snap.Transitions = []script.Transition{}
	}
	return snap
}
