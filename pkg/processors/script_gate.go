package processors

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/script"
)

// ScriptGateProcessor holds model output until the turn ends and replaces it
// with the line the gate allows. Pending transitions are released when the
// transport reports that the bot stopped speaking.
type ScriptGateProcessor struct {
	gate   *script.Gate
	logger *slog.Logger
}

func NewScriptGateProcessor(gate *script.Gate) *ScriptGateProcessor {
	return &ScriptGateProcessor{
		gate:   gate,
		logger: logging.NewComponentLogger(slog.Default(), "script_gate_processor"),
	}
}

func (p *ScriptGateProcessor) Name() string { return "script_gate" }

func (p *ScriptGateProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "script_gate_processor")
	}
}

func (p *ScriptGateProcessor) Gate() *script.Gate { return p.gate }

func (p *ScriptGateProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch v := f.(type) {
	case frames.TextFrame:
		if v.Meta()[frames.MetaSource] != frames.SourceLLM {
			return []frames.Frame{f}, nil
		}
		p.gate.Append(v.Text())
		return nil, nil

	case frames.SystemFrame:
		switch v.Name() {
		case frames.SystemLLMResponseEnd:
			d, err := p.gate.EndTurn()
			if err != nil {
				return nil, err
			}
			return p.speak(v, d), nil

		case frames.SystemCallStart:
			d, err := p.gate.Opening()
			if err != nil {
				return []frames.Frame{f}, err
			}
			return append([]frames.Frame{f}, p.speak(v, d)...), nil

		case frames.SystemBotStoppedSpeaking:
			p.gate.Release()

		case frames.SystemCallEnd:
			p.gate.Abandon()
		}

	case frames.ControlFrame:
		if v.Code() == frames.ControlCancel {
			p.gate.Abandon()
		}
	}
	return []frames.Frame{f}, nil
}

func (p *ScriptGateProcessor) speak(src frames.Frame, d script.Decision) []frames.Frame {
	if d.Utterance == "" {
		p.logger.Warn("script_empty_utterance", "state", d.State)
		return nil
	}
	srcMeta := src.Meta()
	streamID := srcMeta[frames.MetaStreamID]
	meta := map[string]string{
		frames.MetaStreamID:       streamID,
		frames.MetaSource:         frames.SourceScriptGate,
		frames.MetaTTSFlush:       "true",
		frames.MetaScriptState:    d.State,
		frames.MetaScriptOverride: strconv.FormatBool(d.Overridden),
	}
	for _, k := range []string{frames.MetaCallSID, frames.MetaTraceID} {
		if v := srcMeta[k]; v != "" {
			meta[k] = v
		}
	}
	if d.Reason != "" {
		meta[frames.MetaScriptReason] = d.Reason
	}
	p.logger.Info("script_utterance",
		"stream_id", streamID,
		"state", d.State,
		"overridden", d.Overridden,
		"text", redact.Text(d.Utterance))
	return []frames.Frame{frames.NewTextFrame(streamID, time.Now().UnixNano(), d.Utterance, meta)}
}

var _ pipeline.FrameProcessor = (*ScriptGateProcessor)(nil)
