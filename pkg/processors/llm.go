package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/llm"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/metrics"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/resilience"
)

// JSONInstruction follows the content pack in the system prompt.
const JSONInstruction = "Return ONLY a single JSON object: " +
	`{"say":"<the exact line to speak, 20 words or fewer>", "next_state":"<state id or empty>"} ` +
	"No markdown, no code fences, no extra text."

// StateProvider exposes the state the conversation is in and the line
// required there. *script.Conversation satisfies it.
type StateProvider interface {
	RequiredLine() (state, line string, err error)
}

type LLMConfig struct {
	ContentPack string
	Options     llm.Options
	// MaxHistory bounds the user/assistant messages kept per stream.
	MaxHistory int
}

// DefaultLLMOptions are near-deterministic sampling settings with JSON output.
func DefaultLLMOptions() llm.Options {
	return llm.Options{Temperature: 0.01, TopP: 0, HasTopP: true, JSONMode: true}
}

// LLMProcessor turns final user transcripts into one streamed model reply.
// The reply is emitted as source=llm text chunks terminated by an
// llm_response_end system frame, for the script gate to judge.
type LLMProcessor struct {
	adapter    llm.LLMAdapter
	system     string
	options    llm.Options
	maxHistory int
	state      StateProvider

	mu      sync.Mutex
	history map[string][]llm.Message
	ctx     context.Context
	obs     metrics.Observer
	logger  *slog.Logger
}

func NewLLMProcessor(adapter llm.LLMAdapter, cfg LLMConfig, state StateProvider) *LLMProcessor {
	system := JSONInstruction
	if pack := strings.TrimSpace(cfg.ContentPack); pack != "" {
		system = pack + "\n\n" + JSONInstruction
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	return &LLMProcessor{
		adapter:    adapter,
		system:     system,
		options:    cfg.Options,
		maxHistory: cfg.MaxHistory,
		state:      state,
		history:    make(map[string][]llm.Message),
		ctx:        context.Background(),
		logger:     logging.NewComponentLogger(slog.Default(), "llm"),
	}
}

func (p *LLMProcessor) Name() string { return "llm" }

func (p *LLMProcessor) SetObserver(obs metrics.Observer) {
	p.obs = obs
	if setter, ok := p.adapter.(interface{ SetObserver(metrics.Observer) }); ok {
		setter.SetObserver(obs)
	}
}

func (p *LLMProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *LLMProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "llm")
	}
}

// SystemPrompt returns the fixed part of the system prompt.
func (p *LLMProcessor) SystemPrompt() string { return p.system }

func (p *LLMProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch v := f.(type) {
	case frames.SystemFrame:
		if v.Name() == frames.SystemCallEnd {
			p.clear(frames.StreamID(f))
		}
		return []frames.Frame{f}, nil
	case frames.TextFrame:
		meta := v.Meta()
		if meta[frames.MetaSource] != frames.SourceSTT {
			return []frames.Frame{f}, nil
		}
		if meta[frames.MetaIsFinal] != "true" {
			return nil, nil
		}
		text := strings.TrimSpace(v.Text())
		if text == "" {
			return nil, nil
		}
		return p.respond(v, text), nil
	}
	return []frames.Frame{f}, nil
}

func (p *LLMProcessor) respond(src frames.TextFrame, text string) []frames.Frame {
	meta := src.Meta()
	streamID := meta[frames.MetaStreamID]
	traceID := meta[frames.MetaTraceID]

	p.logger.Info("llm_input_received", "stream_id", streamID, "text", redact.Text(text))

	input := p.contextFor(streamID, text)
	p.appendMessage(streamID, llm.Message{Role: llm.RoleUser, Content: text})

	out := []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta)}

	started := time.Now()
	ch, err := p.adapter.Stream(p.ctx, input)
	if err != nil {
		reason := errorsx.ReasonLLMStream
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		err = errorsx.Wrap(err, reason)
		p.logger.Error("llm_stream_error",
			"stream_id", streamID,
			"reason_code", string(errorsx.Reason(err)),
			"error", err)
		p.popLastMessage(streamID)
		// An empty reply makes the gate fall back to the required line.
		return append(out, p.responseEnd(streamID, meta))
	}

	var full strings.Builder
	first := true
	for tok := range ch {
		if tok == "" {
			continue
		}
		if first {
			first = false
			p.record(metrics.EventLLMFirstToken, streamID, traceID, float64(time.Since(started).Milliseconds()))
		}
		full.WriteString(tok)
		chunkMeta := src.Meta()
		chunkMeta[frames.MetaSource] = frames.SourceLLM
		out = append(out, frames.NewTextFrame(streamID, time.Now().UnixNano(), tok, chunkMeta))
	}
	if full.Len() > 0 {
		p.appendMessage(streamID, llm.Message{Role: llm.RoleAssistant, Content: full.String()})
	}
	p.logger.Debug("llm_output", "stream_id", streamID, "text", redact.Text(full.String()))
	return append(out, p.responseEnd(streamID, meta))
}

func (p *LLMProcessor) responseEnd(streamID string, meta map[string]string) frames.Frame {
	endMeta := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		endMeta[k] = v
	}
	endMeta[frames.MetaSource] = frames.SourceLLM
	return frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemLLMResponseEnd, endMeta)
}

// contextFor builds the request: system prompt, the state hint for this
// turn, bounded history, then the new user message.
func (p *LLMProcessor) contextFor(streamID, text string) llm.Context {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: p.system}}
	if p.state != nil {
		if state, line, err := p.state.RequiredLine(); err == nil {
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Current state: " + state + ". Required line: " + line,
			})
		}
	}
	p.mu.Lock()
	msgs = append(msgs, p.history[streamID]...)
	p.mu.Unlock()
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	return llm.Context{Messages: msgs, Options: p.options}
}

func (p *LLMProcessor) appendMessage(streamID string, msg llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := append(p.history[streamID], msg)
	if len(msgs) > p.maxHistory {
		msgs = append([]llm.Message(nil), msgs[len(msgs)-p.maxHistory:]...)
	}
	p.history[streamID] = msgs
}

func (p *LLMProcessor) popLastMessage(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.history[streamID]
	if len(msgs) == 0 {
		return
	}
	p.history[streamID] = msgs[:len(msgs)-1]
}

// History returns a copy of the stored messages for a stream.
func (p *LLMProcessor) History(streamID string) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Message(nil), p.history[streamID]...)
}

func (p *LLMProcessor) clear(streamID string) {
	p.mu.Lock()
	delete(p.history, streamID)
	p.mu.Unlock()
}

func (p *LLMProcessor) record(name, streamID, traceID string, value float64) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, metrics.TagComponent: "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.adapter != nil {
		tags[metrics.TagProvider] = p.adapter.Name()
	}
	metrics.Emit(p.obs, name, value, tags)
}

var _ pipeline.FrameProcessor = (*LLMProcessor)(nil)
