package observers

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callscript/pkg/metrics"
)

func TestLatencyObserverSummarizesCall(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	tags := map[string]string{"stream_id": "s1", "trace_id": "tr1"}
	now := time.Now()

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventLLMFirstToken, Time: now, Value: 120, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTTSFirstAudio, Time: now, Value: 80, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventScriptDecision, Time: now, Tags: tags, Fields: map[string]any{"overridden": true}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventScriptDecision, Time: now, Tags: tags, Fields: map[string]any{"overridden": false}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventScriptTransition, Time: now, Tags: tags})
	if obs.Active() != 1 {
		t.Fatalf("expected one tracked call")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCallEnded, Time: now, Tags: tags, Fields: map[string]any{"state": "value_prop"}})

	out := buf.String()
	if !strings.Contains(out, "turn_latency") || !strings.Contains(out, "llm_first_token_ms=120") {
		t.Fatalf("expected turn latency log, got %s", out)
	}
	if !strings.Contains(out, "turns=2") || !strings.Contains(out, "overrides=1") || !strings.Contains(out, "transitions=1") {
		t.Fatalf("expected call summary, got %s", out)
	}
	if obs.Active() != 0 {
		t.Fatalf("call end must forget the call")
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	multi := NewMultiObserver(a, nil, b)
	multi.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCallStarted, Time: time.Now()})
	if len(a.Named(metrics.EventCallStarted)) != 1 || len(b.Named(metrics.EventCallStarted)) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFrameIn, Time: time.Now(), Value: 1})
	if buf.Len() != 0 {
		t.Fatalf("frame events log at debug, got %s", buf.String())
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventScriptDecision,
		Time:   time.Now(),
		Tags:   map[string]string{"stream_id": "s1"},
		Fields: map[string]any{"overridden": true},
	})
	out := buf.String()
	if !strings.Contains(out, "event=script_decision") || !strings.Contains(out, "stream_id=s1") || !strings.Contains(out, "overridden=true") {
		t.Fatalf("unexpected log line %s", out)
	}
}
