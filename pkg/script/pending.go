package script

import "sync"

// PendingTransition is a single-slot holder for a proposed next state. A new
// proposal replaces the old one.
type PendingTransition struct {
	mu    sync.Mutex
	state string
	set   bool
}

func (p *PendingTransition) Propose(stateID string) {
	p.mu.Lock()
	p.state, p.set = stateID, true
	p.mu.Unlock()
}

func (p *PendingTransition) Clear() {
	p.mu.Lock()
	p.state, p.set = "", false
	p.mu.Unlock()
}

// Take empties the slot and returns what it held.
func (p *PendingTransition) Take() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.state, p.set
	p.state, p.set = "", false
	return state, ok
}

func (p *PendingTransition) Peek() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.set
}
