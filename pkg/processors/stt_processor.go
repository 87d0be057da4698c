package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/stt"
	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/metrics"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/resilience"
)

// STTProcessor feeds caller audio to a streaming STT session per stream and
// forwards its transcripts. Interim transcripts are dropped unless enabled.
type STTProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        func(callSID, streamID string) stt.StreamingSTT
	ctx            context.Context
	obs            metrics.Observer
	emit           func(frames.Frame)
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
	forwardInterim bool
	breakerOpen    bool
	provider       string

	logger *slog.Logger
}

func NewSTTProcessor(factory func(callSID, streamID string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		sessions: make(map[string]stt.StreamingSTT),
		factory:  factory,
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:   logging.NewComponentLogger(slog.Default(), "stt_processor"),
	}
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "stt_processor")
	}
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

// SetEmitter routes transcripts to emit as they arrive, normally back into
// the pipeline input. Set before the first session is created.
func (p *STTProcessor) SetEmitter(emit func(frames.Frame)) { p.emit = emit }

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]

	switch v := f.(type) {
	case frames.AudioFrame:
		p.send(streamID, meta[frames.MetaCallSID], v)
		return p.drain(streamID), nil

	case frames.SystemFrame:
		if v.Name() == frames.SystemCallEnd {
			out := p.drain(streamID)
			p.CloseStream(streamID)
			return append(out, f), nil
		}

	case frames.ControlFrame:
		if v.Code() == frames.ControlCancel {
			p.CloseStream(streamID)
			return []frames.Frame{f}, nil
		}
	}

	out := p.drain(streamID)
	return append(out, f), nil
}

func (p *STTProcessor) send(streamID, callSID string, audio frames.AudioFrame) {
	if !p.breaker.Allow() {
		p.setBreakerOpen(true, streamID)
		return
	}
	p.setBreakerOpen(false, streamID)

	err := p.retry.DoContext(p.context(), func() error {
		sess, err := p.getOrCreate(streamID, callSID)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		}
		if err := sess.SendAudio(audio); err != nil {
			p.CloseStream(streamID)
			return errorsx.Wrap(err, errorsx.ReasonSTTSend)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("stt_send_failed",
			"stream_id", streamID,
			"reason_code", string(errorsx.Reason(err)),
			"error", err)
		p.breaker.OnError(err)
		return
	}
	p.breaker.OnSuccess()
}

func (p *STTProcessor) context() context.Context {
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *STTProcessor) getOrCreate(streamID, callSID string) (stt.StreamingSTT, error) {
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
	p.logger.Info("stt_session_created", "stream_id", streamID, "provider", sess.Name())
	if p.emit != nil {
		go p.pump(streamID, sess.Results())
	}
	return sess, nil
}

func (p *STTProcessor) pump(streamID string, results <-chan frames.Frame) {
	for f := range results {
		if p.accept(streamID, f) {
			p.emit(f)
		}
	}
}

func (p *STTProcessor) drain(streamID string) []frames.Frame {
	if p.emit != nil {
		return nil
	}
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	var out []frames.Frame
	for {
		select {
		case f, ok := <-sess.Results():
			if !ok {
				return out
			}
			if p.accept(streamID, f) {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

// accept filters interim transcripts and logs final ones.
func (p *STTProcessor) accept(streamID string, f frames.Frame) bool {
	tf, ok := f.(frames.TextFrame)
	if !ok {
		return true
	}
	if tf.Meta()[frames.MetaIsFinal] != "true" {
		p.mu.Lock()
		forward := p.forwardInterim
		p.mu.Unlock()
		return forward
	}
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return false
	}
	p.logger.Info("stt_final",
		"stream_id", streamID,
		"text", redact.Text(text),
		"provider", p.provider)
	return true
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	delete(p.sessions, streamID)
	p.mu.Unlock()
	if ok {
		_ = sess.Close()
		p.logger.Debug("stt_session_closed", "stream_id", streamID)
	}
}

func (p *STTProcessor) CloseAll() {
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

func (p *STTProcessor) setBreakerOpen(open bool, streamID string) {
	p.mu.Lock()
	changed := p.breakerOpen != open
	p.breakerOpen = open
	p.mu.Unlock()
	if !changed || p.obs == nil {
		return
	}
	name := metrics.EventBreakerClose
	if open {
		name = metrics.EventBreakerOpen
		p.logger.Warn("stt_circuit_open",
			"stream_id", streamID,
			"reason_code", string(errorsx.ReasonSTTCircuitOpen))
	}
	metrics.Emit(p.obs, name, 0, map[string]string{frames.MetaStreamID: streamID, metrics.TagComponent: "stt"})
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)
