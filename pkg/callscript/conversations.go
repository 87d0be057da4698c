package callscript

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/script"
	"github.com/harunnryd/callscript/pkg/transports"
)

var (
	ErrNotFound    = errors.New("callscript: conversation not found")
	ErrUnsupported = errors.New("callscript: not supported by this transport")
	ErrInvalid     = errors.New("callscript: invalid request")
)

type StartRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
}

// StartResult identifies a new conversation. Local sessions know their
// stream id at once; outbound calls only know the call sid until Twilio
// connects the media stream.
type StartResult struct {
	ID        string `json:"id,omitempty"`
	CallSID   string `json:"call_sid,omitempty"`
	Transport string `json:"transport"`
}

type ScriptInfo struct {
	Name         string         `json:"name"`
	InitialState string         `json:"initial_state"`
	Digest       string         `json:"digest"`
	Mode         script.Mode    `json:"mode"`
	Policy       string         `json:"transition_policy"`
	States       []script.State `json:"states"`
	MetaMarkers  []string       `json:"meta_markers"`
}

func (e *Engine) Script() ScriptInfo {
	return ScriptInfo{
		Name:         e.doc.Script.Name(),
		InitialState: e.doc.Script.Initial(),
		Digest:       e.doc.Digest,
		Mode:         e.cfg.Script.GateMode(),
		Policy:       string(e.cfg.Script.Policy()),
		States:       e.doc.Script.States(),
		MetaMarkers:  e.leaks.Markers(),
	}
}

// StartConversation opens a local session or dials out, depending on the
// transport.
func (e *Engine) StartConversation(ctx context.Context, req StartRequest) (StartResult, error) {
	res := StartResult{Transport: e.transport.Name()}
	if e.registry.Draining() {
		return res, pipeline.ErrDraining
	}
	if starter, ok := e.transport.(transports.SessionStarter); ok {
		id, err := starter.StartSession(map[string]string{
			frames.MetaFromNumber: strings.TrimSpace(req.From),
			frames.MetaToNumber:   strings.TrimSpace(req.To),
		})
		if err != nil {
			return res, err
		}
		res.ID = id
		return res, nil
	}
	if dialer, ok := e.transport.(transports.OutboundDialer); ok {
		to := strings.TrimSpace(req.To)
		if to == "" {
			return res, errors.Join(ErrInvalid, errors.New("to is required"))
		}
		sid, err := dialer.Dial(ctx, to, strings.TrimSpace(req.From), "")
		if err != nil {
			return res, err
		}
		res.CallSID = sid
		return res, nil
	}
	return res, ErrUnsupported
}

// Conversations lists live calls, oldest first.
func (e *Engine) Conversations() []CallSnapshot {
	sessions := e.registry.List()
	out := make([]CallSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		if call, ok := sess.Data.(*Call); ok {
			out = append(out, call.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Conversation finds a live call by stream id or call sid.
func (e *Engine) Conversation(id string) (CallSnapshot, error) {
	_, call, err := e.lookup(id)
	if err != nil {
		return CallSnapshot{}, err
	}
	return call.Snapshot(), nil
}

// Inject feeds typed text to a call as if the caller had said it.
func (e *Engine) Inject(id, text string) error {
	inj, ok := e.transport.(transports.UtteranceInjector)
	if !ok {
		return ErrUnsupported
	}
	if strings.TrimSpace(text) == "" {
		return errors.Join(ErrInvalid, errors.New("text is required"))
	}
	sess, _, err := e.lookup(id)
	if err != nil {
		return err
	}
	return inj.Inject(sess.StreamID, text)
}

// Say speaks an operator line on a call. It bypasses the model and the
// script gate and does not change the conversation state.
func (e *Engine) Say(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.Join(ErrInvalid, errors.New("text is required"))
	}
	sess, _, err := e.lookup(id)
	if err != nil {
		return err
	}
	meta := map[string]string{
		frames.MetaStreamID: sess.StreamID,
		frames.MetaCallSID:  sess.CallSID,
		frames.MetaTraceID:  sess.TraceID,
		frames.MetaSource:   frames.SourceOperator,
		frames.MetaTTSFlush: "true",
	}
	if !nonBlockingSend(sess.Orch.In(), frames.NewTextFrame(sess.StreamID, time.Now().UnixNano(), text, meta)) {
		return errors.New("callscript: pipeline busy")
	}
	e.logger.Info("operator_line_queued", "stream_id", sess.StreamID, "length", len(text))
	return nil
}

// EndConversation hangs up a call. Without a transport hangup the session is
// ended directly.
func (e *Engine) EndConversation(ctx context.Context, id string) error {
	sess, _, err := e.lookup(id)
	if err != nil {
		return err
	}
	if term, ok := e.transport.(transports.Terminator); ok {
		err := term.Hangup(ctx, sess.CallSID)
		if err == nil {
			return nil
		}
		e.logger.Warn("hangup_failed", "call_sid", sess.CallSID, "error", err)
	}
	e.endCall(sess.CallSID, "operator")
	return nil
}

func (e *Engine) lookup(id string) (*pipeline.Session, *Call, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, ErrNotFound
	}
	sess, ok := e.registry.Get(id)
	if !ok {
		sess, ok = e.registry.ByStream(id)
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	call, ok := sess.Data.(*Call)
	if !ok {
		return nil, nil, ErrNotFound
	}
	return sess, call, nil
}
