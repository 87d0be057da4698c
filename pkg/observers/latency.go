package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/callscript/pkg/metrics"
)

// LatencyObserver logs per-turn response latency and, at call end, a
// summary of how often the gate had to override the model.
type LatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callStats
	log   *slog.Logger
}

type callStats struct {
	traceID     string
	llmFirstMs  float64
	turns       int
	overrides   int
	transitions int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		calls: make(map[string]*callStats),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.calls[streamID]
	if c == nil {
		c = &callStats{}
		o.calls[streamID] = c
	}
	if c.traceID == "" {
		c.traceID = ev.Tags["trace_id"]
	}
	switch ev.Name {
	case metrics.EventLLMFirstToken:
		c.llmFirstMs = ev.Value
	case metrics.EventTTSFirstAudio:
		o.log.Info("turn_latency",
			"stream_id", streamID,
			"trace_id", c.traceID,
			"llm_first_token_ms", c.llmFirstMs,
			"tts_first_audio_ms", ev.Value,
		)
		c.llmFirstMs = 0
	case metrics.EventScriptDecision:
		c.turns++
		if v, _ := ev.Fields["overridden"].(bool); v {
			c.overrides++
		}
	case metrics.EventScriptTransition:
		c.transitions++
	case metrics.EventCallEnded:
		o.log.Info("call_summary",
			"stream_id", streamID,
			"trace_id", c.traceID,
			"turns", c.turns,
			"overrides", c.overrides,
			"transitions", c.transitions,
			"final_state", ev.Fields["state"],
		)
		delete(o.calls, streamID)
	}
}

// Active returns the number of calls being tracked.
func (o *LatencyObserver) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}
