package script

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/logging"
)

// Mode selects how strictly the gate holds the model to the script.
type Mode string

const (
	// ModeStrict only lets through lines equivalent to the required line.
	ModeStrict Mode = "strict"
	// ModeLenient lets through paraphrases but still blocks empty and meta lines.
	ModeLenient Mode = "lenient"
)

// TransitionPolicy decides whether a turn whose line was overridden may still
// queue its requested next state.
type TransitionPolicy string

const (
	TransitionAlways   TransitionPolicy = "always"
	TransitionOnAccept TransitionPolicy = "on_accept"
)

// Override reasons reported on a Decision.
const (
	ReasonAccepted  = ""
	ReasonMalformed = "malformed"
	ReasonEmpty     = "empty"
	ReasonMeta      = "meta"
	ReasonMismatch  = "mismatch"
)

// Decision is the outcome of one completed turn.
type Decision struct {
	// State is the conversation state when the decision was made.
	State      string
	Required   string
	Candidate  Payload
	Utterance  string
	Overridden bool
	Reason     string
	// Proposed is the next state queued by this turn, if any.
	Proposed string
}

// Gate buffers one turn of model output and decides what is actually spoken.
// Accepted next states wait in a single pending slot until Release.
type Gate struct {
	mu        sync.Mutex
	conv      *Conversation
	mode      Mode
	policy    TransitionPolicy
	leaks     *LeakDetector
	logger    *slog.Logger
	onDecide  func(Decision)
	onRelease func(from, to string)

	buf     strings.Builder
	active  bool
	pending PendingTransition
}

type GateOption func(*Gate)

func WithMode(mode Mode) GateOption {
	return func(g *Gate) {
		if mode == ModeLenient {
			g.mode = ModeLenient
		}
	}
}

func WithTransitionPolicy(policy TransitionPolicy) GateOption {
	return func(g *Gate) {
		if policy == TransitionOnAccept {
			g.policy = TransitionOnAccept
		}
	}
}

func WithLeakDetector(d *LeakDetector) GateOption {
	return func(g *Gate) {
		if d != nil {
			g.leaks = d
		}
	}
}

func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logging.NewComponentLogger(logger, "script_gate")
		}
	}
}

// WithDecisionHook registers fn to observe every decision.
func WithDecisionHook(fn func(Decision)) GateOption {
	return func(g *Gate) { g.onDecide = fn }
}

// WithReleaseHook registers fn to observe released transitions.
func WithReleaseHook(fn func(from, to string)) GateOption {
	return func(g *Gate) { g.onRelease = fn }
}

func NewGate(conv *Conversation, opts ...GateOption) *Gate {
	g := &Gate{
		conv:   conv,
		mode:   ModeStrict,
		policy: TransitionAlways,
		leaks:  DefaultLeakDetector(),
		logger: logging.NewComponentLogger(nil, "script_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Mode() Mode                  { return g.mode }
func (g *Gate) Policy() TransitionPolicy    { return g.policy }
func (g *Gate) Conversation() *Conversation { return g.conv }

// Append adds a fragment of model output to the current turn.
func (g *Gate) Append(fragment string) {
	g.mu.Lock()
	g.buf.WriteString(fragment)
	g.active = true
	g.mu.Unlock()
}

// Buffering reports whether a turn is in progress.
func (g *Gate) Buffering() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Abandon drops the current turn without speaking anything.
func (g *Gate) Abandon() {
	g.mu.Lock()
	dropped := g.buf.Len()
	g.buf.Reset()
	g.active = false
	g.mu.Unlock()
	if dropped > 0 {
		g.logger.Debug("script_turn_abandoned", "dropped_bytes", dropped)
	}
}

// EndTurn closes the current turn and returns the line to speak. The only
// error is an unknown current state, which callers must treat as fatal.
func (g *Gate) EndTurn() (Decision, error) {
	g.mu.Lock()
	raw := g.buf.String()
	g.buf.Reset()
	g.active = false

	d, err := g.decide(raw)
	g.mu.Unlock()
	if err != nil {
		g.logger.Error("script_unknown_state", "state", d.State, "error", err)
		return d, err
	}

	if d.Overridden {
		g.logger.Warn("script_override",
			"state", d.State,
			"reason", d.Reason,
			"candidate", d.Candidate.Say,
			"required", d.Required,
		)
	} else {
		g.logger.Debug("script_accepted", "state", d.State, "say", d.Utterance)
	}
	if d.Candidate.NextState != "" && d.Proposed == "" {
		g.logger.Info("script_transition_suppressed",
			"state", d.State,
			"next_state", d.Candidate.NextState,
			"known", g.conv.Registry().IsKnownState(d.Candidate.NextState),
		)
	}
	if g.onDecide != nil {
		g.onDecide(d)
	}
	return d, nil
}

// Opening returns the required line for the current state without consuming
// a turn. The pending slot is untouched.
func (g *Gate) Opening() (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, line, err := g.conv.RequiredLine()
	if err != nil {
		return Decision{State: state}, errorsx.Wrap(err, errorsx.ReasonScriptUnknownState)
	}
	line = strings.TrimSpace(line)
	return Decision{State: state, Required: line, Utterance: line}, nil
}

func (g *Gate) decide(raw string) (Decision, error) {
	payload, extractErr := Extract(raw)
	if extractErr != nil {
		payload = Payload{}
	}

	state, required, err := g.conv.RequiredLine()
	d := Decision{State: state, Candidate: payload}
	if err != nil {
		return d, errorsx.Wrap(fmt.Errorf("required line: %w", err), errorsx.ReasonScriptUnknownState)
	}
	d.Required = strings.TrimSpace(required)

	say := payload.Say
	switch {
	case extractErr != nil:
		d.Reason = ReasonMalformed
	case say == "":
		d.Reason = ReasonEmpty
	case g.leaks.LooksMeta(say):
		d.Reason = ReasonMeta
	case g.mode == ModeStrict && !Equivalent(say, d.Required):
		d.Reason = ReasonMismatch
	}
	if d.Reason == ReasonAccepted {
		d.Utterance = say
	} else {
		d.Utterance = d.Required
		d.Overridden = true
	}

	next := payload.NextState
	allowed := g.policy == TransitionAlways || !d.Overridden
	if next != "" && allowed && g.conv.Registry().IsKnownState(next) {
		g.pending.Propose(next)
		d.Proposed = next
	} else {
		g.pending.Clear()
	}
	return d, nil
}

// Release applies the pending transition, if any. Calling it again with
// nothing pending is a no-op.
func (g *Gate) Release() (string, bool) {
	g.mu.Lock()
	next, ok := g.pending.Take()
	var from string
	if ok {
		from = g.conv.Current()
		g.conv.ApplyTransition(next)
	}
	g.mu.Unlock()
	if !ok {
		return "", false
	}
	g.logger.Info("script_transition_released", "from", from, "to", next)
	if g.onRelease != nil {
		g.onRelease(from, next)
	}
	return next, true
}

// Pending returns the queued next state without releasing it.
func (g *Gate) Pending() (string, bool) {
	return g.pending.Peek()
}
