package observers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/callscript/pkg/metrics"
)

func TestLedgerRecordsCallDecisionsAndTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	tags := map[string]string{"stream_id": "s1", "call_sid": "CA1", "trace_id": "tr1"}
	now := time.Now()
	ledger.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCallStarted, Time: now, Tags: tags})
	ledger.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventScriptDecision,
		Time: now,
		Tags: tags,
		Fields: map[string]any{
			"state":      "gatekeeper_open",
			"candidate":  "As an AI, I cannot",
			"utterance":  "Hi, who handles your online listings?",
			"overridden": true,
			"reason":     "meta",
			"proposed":   "value_prop",
		},
	})
	ledger.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventScriptTransition,
		Time:   now,
		Tags:   tags,
		Fields: map[string]any{"from": "gatekeeper_open", "to": "value_prop"},
	})
	ledger.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFrameIn, Time: now, Tags: tags})
	ledger.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCallEnded, Time: now, Tags: tags, Fields: map[string]any{"reason": "completed"}})

	ctx := context.Background()
	decisions, err := ledger.Decisions(ctx, "s1")
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(decisions))
	}
	d := decisions[0]
	if !d.Overridden || d.Reason != "meta" || d.Proposed != "value_prop" || d.CallSID != "CA1" {
		t.Fatalf("unexpected decision row %+v", d)
	}

	transitions, err := ledger.Transitions(ctx, "s1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(transitions) != 1 || transitions[0].To != "value_prop" {
		t.Fatalf("unexpected transitions %+v", transitions)
	}

	ended, reason, err := ledger.CallEnded(ctx, "s1")
	if err != nil {
		t.Fatalf("call ended: %v", err)
	}
	if !ended || reason != "completed" {
		t.Fatalf("expected ended call with reason completed, got %v %q", ended, reason)
	}
}

func TestLedgerReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	ledger.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventScriptTransition,
		Time:   time.Now(),
		Tags:   map[string]string{"stream_id": "s2"},
		Fields: map[string]any{"from": "a", "to": "b"},
	})
	_ = ledger.Close()

	again, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer again.Close()
	rows, err := again.Transitions(context.Background(), "s2")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected persisted transition, got %v %v", rows, err)
	}
}
