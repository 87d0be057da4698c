package callscript

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/stt"
	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/llm"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/metrics"
	"github.com/harunnryd/callscript/pkg/observers"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/processors"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/runner"
	"github.com/harunnryd/callscript/pkg/script"
	"github.com/harunnryd/callscript/pkg/transports"
)

type EngineOptions struct {
	Config    Config
	Document  *script.Document
	Transport transports.Transport
	// Providers defaults to DefaultProviders().
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Observers receive every metrics event next to the built-in ones.
	Observers []metrics.Observer
}

// Engine owns the session registry and routes transport frames into one
// pipeline per call: stt, normalizer, mute, llm, script gate, tts.
type Engine struct {
	cfg        Config
	doc        *script.Document
	leaks      *script.LeakDetector
	registry   *pipeline.SessionRegistry
	transport  transports.Transport
	runner     *pipeline.Runner
	asyncObs   *metrics.AsyncObserver
	ledger     *observers.LedgerObserver
	llm        llm.LLMAdapter
	sttFactory STTFactory
	ttsFactory TTSFactory
	logger     *slog.Logger

	transportCancel context.CancelFunc
	cancel          context.CancelFunc
	done            chan struct{}
	runErr          error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if opts.Document == nil {
		return nil, errors.New("callscript: script document required")
	}
	if opts.Transport == nil {
		return nil, errors.New("callscript: transport required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	sttFactory, err := providers.BuildSTTFactory(cfg)
	if err != nil {
		return nil, err
	}
	ttsFactory, err := providers.BuildTTSFactory(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := providers.BuildLLM(cfg)
	if err != nil {
		return nil, err
	}

	leaks := opts.Document.LeakDetector()
	leaks.Add(cfg.Script.ExtraMarkers...)

	e := &Engine{
		cfg:        cfg,
		doc:        opts.Document,
		leaks:      leaks,
		transport:  opts.Transport,
		llm:        adapter,
		sttFactory: sttFactory,
		ttsFactory: ttsFactory,
		logger:     logging.NewComponentLogger(logger, "engine"),
		done:       make(chan struct{}),
	}

	obsList := []metrics.Observer{
		metrics.NewSamplingObserver(observers.NewLoggerObserver(logger), cfg.Observability.FrameSampleRate),
		observers.NewLatencyObserver(logger),
	}
	if path := strings.TrimSpace(cfg.Observability.LedgerPath); path != "" {
		ledger, err := observers.OpenLedger(path)
		if err != nil {
			return nil, err
		}
		ledger.SetLogger(logger)
		e.ledger = ledger
		obsList = append(obsList, ledger)
	}
	obsList = append(obsList, opts.Observers...)
	buffer := cfg.Observability.ObserverBuffer
	if buffer <= 0 {
		buffer = 2048
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), buffer)
	if obs, ok := adapter.(interface{ SetObserver(metrics.Observer) }); ok {
		obs.SetObserver(e.asyncObs)
	}

	e.registry = pipeline.NewSessionRegistry(e.newSession)
	drain := time.Duration(cfg.Server.DrainTimeoutMS) * time.Millisecond
	if drain <= 0 {
		drain = 20 * time.Second
	}
	e.runner = pipeline.NewRunner(e.registry, runner.Hooks{OnStart: e.onStart, OnStop: e.onStop}, drain)

	e.logger.Info("callscript_init",
		"transport", opts.Transport.Name(),
		"stt_provider", cfg.STT.Provider,
		"llm_provider", cfg.LLM.Provider,
		"tts_provider", cfg.TTS.Provider,
		"script", opts.Document.Script.Name(),
		"script_digest", opts.Document.Digest,
		"gate_mode", cfg.Script.GateMode(),
		"transition_policy", cfg.Script.Policy(),
	)
	pipeline.LogConfiguration(logger, cfg.Pipeline)
	return e, nil
}

// newSession builds the pipeline and script state for one call.
func (e *Engine) newSession(ctx context.Context, callSID, streamID, traceID string) (pipeline.Orchestrator, any, error) {
	logger := e.logger.With("stream_id", streamID, "call_sid", callSID, "trace_id", traceID)
	tags := callTags(streamID, callSID, traceID)

	call := &Call{StreamID: streamID, CallSID: callSID, TraceID: traceID, Started: time.Now()}
	call.conv = script.NewConversation(e.doc.Script, e.doc.Script.Initial())
	call.gate = script.NewGate(call.conv,
		script.WithMode(e.cfg.Script.GateMode()),
		script.WithTransitionPolicy(e.cfg.Script.Policy()),
		script.WithLeakDetector(e.leaks),
		script.WithLogger(logger),
		script.WithDecisionHook(func(d script.Decision) {
			call.addTurn(d)
			e.record(metrics.EventScriptDecision, tags, map[string]any{
				"state":      d.State,
				"candidate":  d.Candidate.Say,
				"utterance":  d.Utterance,
				"overridden": d.Overridden,
				"reason":     d.Reason,
				"proposed":   d.Proposed,
			})
		}),
		script.WithReleaseHook(func(from, to string) {
			e.record(metrics.EventScriptTransition, tags, map[string]any{"from": from, "to": to})
		}),
	)

	sttProc := processors.NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT {
		return e.sttFactory(callSID, streamID, traceID)
	})
	sttProc.SetForwardInterim(e.cfg.STT.ForwardInterim)
	sttProc.SetObserver(e.asyncObs)
	sttProc.SetContext(ctx)
	sttProc.SetLogger(logger)

	mute := processors.NewSpeechMuteProcessor()
	mute.SetLogger(logger)
	mute.Machine().AddListener(call)

	llmProc := processors.NewLLMProcessor(e.llm, processors.LLMConfig{
		ContentPack: e.doc.ContentPack,
		Options:     processors.DefaultLLMOptions(),
		MaxHistory:  e.cfg.LLM.MaxHistory,
	}, call.conv)
	llmProc.SetObserver(e.asyncObs)
	llmProc.SetContext(ctx)
	llmProc.SetLogger(logger)

	gateProc := processors.NewScriptGateProcessor(call.gate)
	gateProc.SetLogger(logger)

	ttsProc := processors.NewTTSProcessor(e.ttsFactory)
	ttsProc.SetObserver(e.asyncObs)
	ttsProc.SetContext(ctx)
	ttsProc.SetLogger(logger)

	orch := pipeline.NewVoiceAgentBuilder().
		WithSTT(sttProc).
		WithNormalizer(processors.NewTranscriptNormalizer(e.cfg.STT.Replacements)).
		WithMute(mute).
		WithLLM(llmProc).
		WithScriptGate(gateProc).
		WithTTS(ttsProc).
		Build(e.cfg.Pipeline)
	orch.SetContext(ctx)
	orch.SetObserver(e.asyncObs)
	orch.SetSink(func(f frames.Frame) { e.deliver(callSID, f) })
	orch.SetErrorHandler(func(proc string, f frames.Frame, err error) {
		e.onProcessorError(callSID, proc, err)
	})

	// Transcripts re-enter the pipeline; synthesized audio goes straight to
	// the transport so it never reaches the recognizer.
	sttProc.SetEmitter(func(f frames.Frame) { nonBlockingSend(orch.In(), f) })
	ttsProc.SetEmitter(e.send)

	go func() {
		<-ctx.Done()
		sttProc.CloseAll()
		ttsProc.CloseAll()
	}()
	return orch, call, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// The transport outlives ctx so active calls can finish while draining.
	tctx, tcancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := e.transport.Start(tctx); err != nil {
		tcancel()
		return err
	}
	e.transportCancel = tcancel
	go e.routeTransport()

	rctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go func() {
		e.runErr = e.runner.Run(rctx)
		close(e.done)
	}()
	return nil
}

// Stop drains active calls and then closes the transport and observers.
func (e *Engine) Stop() error {
	if e.cancel == nil {
		return e.runner.Stop()
	}
	e.cancel()
	<-e.done
	return e.runErr
}

// Done is closed once the engine has stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) onStart() {
	fields := []any{
		"script", e.doc.Script.Name(),
		"states", len(e.doc.Script.States()),
		"initial_state", e.doc.Script.Initial(),
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("engine_ready", fields...)
}

func (e *Engine) onStop() {
	_ = e.transport.Stop()
	if e.transportCancel != nil {
		e.transportCancel()
	}
	e.asyncObs.Close()
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			e.logger.Warn("ledger_close_failed", "error", err)
		}
	}
	e.logger.Info("shutdown",
		"goroutines", runtime.NumGoroutine(),
		"active_calls", e.registry.Count(),
		"observer_dropped", e.asyncObs.Dropped())
}

// routeTransport feeds transport frames to their call's pipeline until the
// transport closes. Only call_start opens a session.
func (e *Engine) routeTransport() {
	for f := range e.transport.Recv() {
		e.route(f)
	}
}

func (e *Engine) route(f frames.Frame) {
	meta := f.Meta()
	callSID := meta[frames.MetaCallSID]
	streamID := meta[frames.MetaStreamID]
	traceID := meta[frames.MetaTraceID]
	if callSID == "" || streamID == "" {
		frames.ReleaseAudioFrame(f)
		return
	}

	if frames.IsSystem(f, frames.SystemCallStart) {
		sess, created, err := e.registry.GetOrCreate(callSID, streamID, traceID)
		if err != nil {
			e.logger.Error("session_create_failed", "stream_id", streamID, "call_sid", callSID, "error", err)
			return
		}
		if created {
			if call, ok := sess.Data.(*Call); ok {
				call.setParties(meta[frames.MetaFromNumber], meta[frames.MetaToNumber])
			}
			e.record(metrics.EventCallStarted, callTags(streamID, callSID, traceID), nil)
			e.logger.Info("call_started",
				"stream_id", streamID,
				"call_sid", callSID,
				"trace_id", traceID,
				"from", redact.Text(meta[frames.MetaFromNumber]),
				"to", redact.Text(meta[frames.MetaToNumber]),
				"active_calls", e.registry.Count())
		}
		nonBlockingSend(sess.Orch.In(), f)
		return
	}

	sess, ok := e.registry.Get(callSID)
	if !ok {
		frames.ReleaseAudioFrame(f)
		return
	}
	if frames.IsSystem(f, frames.SystemCallEnd) {
		// call_end normally leaves through the sink; end here if it cannot
		// get in.
		if !nonBlockingSend(sess.Orch.In(), f) {
			go e.endCall(callSID, meta[frames.MetaCallEnd])
		}
		return
	}
	if !nonBlockingSend(sess.Orch.In(), f) {
		frames.ReleaseAudioFrame(f)
	}
}

// deliver is the pipeline sink. call_end has passed every stage when it
// gets here, so the session can go.
func (e *Engine) deliver(callSID string, f frames.Frame) {
	if frames.IsSystem(f, frames.SystemCallEnd) {
		go e.endCall(callSID, f.Meta()[frames.MetaCallEnd])
		return
	}
	e.send(f)
}

func (e *Engine) send(f frames.Frame) {
	if err := e.transport.Send(f); err != nil {
		e.logger.Warn("transport_send_failed",
			"stream_id", frames.StreamID(f),
			"kind", string(f.Kind()),
			"reason_code", string(errorsx.ReasonTransportSend),
			"error", err)
	}
}

func (e *Engine) onProcessorError(callSID, proc string, err error) {
	reason := errorsx.Reason(err)
	if !errorsx.IsFatal(err) {
		e.logger.Warn("processor_error",
			"call_sid", callSID,
			"processor", proc,
			"reason_code", string(reason),
			"error", err)
		return
	}
	e.logger.Error("call_fatal",
		"call_sid", callSID,
		"processor", proc,
		"reason_code", string(reason),
		"error", err)
	// Removing the session stops this pipeline, which is waiting on us.
	go e.terminate(callSID, string(reason))
}

// terminate hangs up through the transport, when it can, and ends the call.
func (e *Engine) terminate(callSID, reason string) {
	if term, ok := e.transport.(transports.Terminator); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := term.Hangup(ctx, callSID)
		cancel()
		if err != nil {
			e.logger.Warn("hangup_failed", "call_sid", callSID, "error", err)
		}
	}
	e.endCall(callSID, reason)
}

// endCall removes the session and records the outcome. Later calls for the
// same call are no-ops.
func (e *Engine) endCall(callSID, reason string) {
	sess, ok := e.registry.Get(callSID)
	if !ok || !e.registry.Remove(callSID) {
		return
	}
	if reason == "" {
		reason = "completed"
	}
	fields := map[string]any{"reason": reason}
	var state string
	var turns int
	if call, ok := sess.Data.(*Call); ok {
		state = call.conv.Current()
		turns = len(call.Snapshot().Turns)
		fields["state"] = state
		fields["turns"] = turns
	}
	e.record(metrics.EventCallEnded, callTags(sess.StreamID, sess.CallSID, sess.TraceID), fields)
	e.logger.Info("call_ended",
		"stream_id", sess.StreamID,
		"call_sid", callSID,
		"reason", reason,
		"final_state", state,
		"turns", turns,
		"duration_ms", time.Since(sess.Created).Milliseconds(),
		"active_calls", e.registry.Count())
}

func (e *Engine) record(name string, tags map[string]string, fields map[string]any) {
	e.asyncObs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}

func callTags(streamID, callSID, traceID string) map[string]string {
	return map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  callSID,
		frames.MetaTraceID:  traceID,
		"component":         "engine",
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) bool {
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

func (e *Engine) Config() Config                      { return e.cfg }
func (e *Engine) Document() *script.Document          { return e.doc }
func (e *Engine) Transport() transports.Transport     { return e.transport }
func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }
func (e *Engine) Ledger() *observers.LedgerObserver   { return e.ledger }
