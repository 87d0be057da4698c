package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/tts"
	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/metrics"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/resilience"
)

// TTSProcessor speaks gate utterances. Only text frames from the script gate
// or an operator are synthesized; everything else passes through.
type TTSProcessor struct {
	mu       sync.Mutex
	sessions map[string]tts.StreamingTTS
	factory  func(callSID, streamID string) tts.StreamingTTS
	ctx      context.Context
	obs      metrics.Observer
	emit     func(frames.Frame)
	sentAt   map[string]time.Time
	trace    map[string]string

	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryPolicy
	open     bool
	provider string

	logger *slog.Logger
}

func NewTTSProcessor(factory func(callSID, streamID string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		sessions: make(map[string]tts.StreamingTTS),
		factory:  factory,
		sentAt:   make(map[string]time.Time),
		trace:    make(map[string]string),
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:   logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetLogger configures structured logging for the TTS processor.
func (p *TTSProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "tts_processor")
	}
}

// SetEmitter makes the processor forward provider output as it arrives
// instead of waiting for the next frame to pass through. Set before the
// first session is created.
func (p *TTSProcessor) SetEmitter(emit func(frames.Frame)) { p.emit = emit }

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	var out []frames.Frame

	switch v := f.(type) {
	case frames.SystemFrame:
		if v.Name() == frames.SystemCallEnd {
			p.CloseStream(streamID)
		}
		return []frames.Frame{f}, nil

	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlStartInterruption:
			p.withSession(streamID, func(s tts.StreamingTTS) {
				s.Flush()
				p.logger.Info("tts_interrupted", "stream_id", streamID)
			})
		case frames.ControlCancel:
			p.CloseStream(streamID)
		}
		out = append(out, p.drain(streamID)...)
		return append(out, f), nil

	case frames.TextFrame:
		source := meta[frames.MetaSource]
		if source != frames.SourceScriptGate && source != frames.SourceOperator {
			out = append(out, p.drain(streamID)...)
			return append(out, f), nil
		}
		if traceID := meta[frames.MetaTraceID]; traceID != "" {
			p.setTrace(streamID, traceID)
		}
		text := strings.TrimSpace(v.Text())
		if text == "" {
			return p.drain(streamID), nil
		}
		if fb := p.speak(streamID, meta, text); fb != nil {
			out = append(out, fb)
		}
		return append(p.drain(streamID), out...), nil
	}

	out = append(out, p.drain(streamID)...)
	return append(out, f), nil
}

// speak sends one utterance and returns a fallback frame on failure.
func (p *TTSProcessor) speak(streamID string, meta map[string]string, text string) frames.Frame {
	callSID := meta[frames.MetaCallSID]
	fallback := func() frames.Frame {
		return frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)
	}

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		p.logger.Warn("tts_circuit_open",
			"stream_id", streamID,
			"reason_code", string(errorsx.ReasonTTSCircuitOpen))
		return fallback()
	}
	p.setBreakerOpen(false, streamID)

	p.logger.Info("tts_request",
		"stream_id", streamID,
		"text", clipTTSText(redact.Text(text)),
		"text_length", len(text),
		"script_state", meta[frames.MetaScriptState],
		"script_override", meta[frames.MetaScriptOverride])

	p.markSent(streamID)
	err := p.retry.DoContext(p.context(), func() error {
		sess, err := p.getOrCreate(streamID, callSID)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		}
		if err := sess.SendText(text); err != nil {
			p.CloseStream(streamID)
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("tts_send_failed",
			"stream_id", streamID,
			"reason_code", string(errorsx.Reason(err)),
			"error", err,
			"max_retries", p.retry.MaxRetries)
		if resilience.IsRateLimit(err) {
			p.record(metrics.EventRateLimit, streamID)
		}
		p.breaker.OnError(err)
		return fallback()
	}
	p.breaker.OnSuccess()
	return nil
}

func (p *TTSProcessor) context() context.Context {
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *TTSProcessor) getOrCreate(streamID, callSID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[streamID]; ok {
		return sess, nil
	}
	sess := p.factory(callSID, streamID)
	if err := sess.Start(p.context()); err != nil {
		return nil, err
	}
	p.sessions[streamID] = sess
	if p.provider == "" {
		p.provider = sess.Name()
	}
	p.logger.Info("tts_session_created", "stream_id", streamID, "provider", sess.Name())
	if p.emit != nil {
		go p.pump(streamID, sess.Results())
	}
	return sess, nil
}

func (p *TTSProcessor) pump(streamID string, results <-chan frames.Frame) {
	for f := range results {
		if f.Kind() == frames.KindAudio {
			p.recordFirst(streamID)
		}
		p.emit(f)
	}
}

func (p *TTSProcessor) drain(streamID string) []frames.Frame {
	if p.emit != nil {
		return nil
	}
	var out []frames.Frame
	p.withSession(streamID, func(s tts.StreamingTTS) {
		for {
			select {
			case f, ok := <-s.Results():
				if !ok {
					return
				}
				if f.Kind() == frames.KindAudio {
					p.recordFirst(streamID)
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	return out
}

func (p *TTSProcessor) withSession(streamID string, fn func(tts.StreamingTTS)) {
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	p.mu.Unlock()
	if ok {
		fn(sess)
	}
}

func (p *TTSProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	delete(p.sessions, streamID)
	delete(p.sentAt, streamID)
	delete(p.trace, streamID)
	p.mu.Unlock()
	if ok {
		_ = sess.Close()
		p.logger.Debug("tts_session_closed", "stream_id", streamID)
	}
}

func (p *TTSProcessor) CloseAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.CloseStream(id)
	}
}

func (p *TTSProcessor) markSent(streamID string) {
	p.mu.Lock()
	p.sentAt[streamID] = time.Now()
	p.mu.Unlock()
}

// recordFirst reports the delay between a request and its first audio.
func (p *TTSProcessor) recordFirst(streamID string) {
	p.mu.Lock()
	sent, ok := p.sentAt[streamID]
	delete(p.sentAt, streamID)
	traceID := p.trace[streamID]
	p.mu.Unlock()
	if !ok || p.obs == nil {
		return
	}
	tags := p.baseTags(streamID)
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	metrics.Emit(p.obs, metrics.EventTTSFirstAudio, float64(time.Since(sent).Milliseconds()), tags)
}

func (p *TTSProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *TTSProcessor) record(name, streamID string) {
	metrics.Emit(p.obs, name, 0, p.baseTags(streamID))
}

func (p *TTSProcessor) setBreakerOpen(open bool, streamID string) {
	p.mu.Lock()
	changed := p.open != open
	p.open = open
	p.mu.Unlock()
	if !changed {
		return
	}
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}

func (p *TTSProcessor) baseTags(streamID string) map[string]string {
	tags := map[string]string{frames.MetaStreamID: streamID, metrics.TagComponent: "tts"}
	if p.provider != "" {
		tags[metrics.TagProvider] = p.provider
	}
	return tags
}

func clipTTSText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
