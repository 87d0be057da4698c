package processors

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/script"
)

const (
	gateLineOpen  = "Hi, I'm Alex from Remember Church Directories, do you have a quick moment?"
	gateLineValue = "We create free church directories for every family."
)

func newGateProcessor(t *testing.T) (*ScriptGateProcessor, *script.Conversation) {
	t.Helper()
	sc, err := script.New("gatekeeper", "", []script.State{
		{ID: "gatekeeper_open", Line: gateLineOpen},
		{ID: "value_prop", Line: gateLineValue},
	})
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	conv := script.NewConversation(sc, sc.Initial())
	gate := script.NewGate(conv, script.WithLogger(logging.Discard()))
	proc := NewScriptGateProcessor(gate)
	proc.SetLogger(logging.Discard())
	return proc, conv
}

func llmChunk(text string) frames.TextFrame {
	return frames.NewTextFrame("s1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "s1",
		frames.MetaSource:   frames.SourceLLM,
		frames.MetaCallSID:  "CA1",
	})
}

func system(name string) frames.SystemFrame {
	return frames.NewSystemFrame("s1", time.Now().UnixNano(), name, map[string]string{
		frames.MetaStreamID: "s1",
		frames.MetaCallSID:  "CA1",
	})
}

func TestScriptGateProcessorOverridesOffScriptLine(t *testing.T) {
	proc, conv := newGateProcessor(t)

	for _, chunk := range []string{`{"say":"Sure, let me `, `tell you about us","next_state":"value_prop"}`} {
		out, err := proc.Process(llmChunk(chunk))
		if err != nil || len(out) != 0 {
			t.Fatalf("chunks must be held, out=%d err=%v", len(out), err)
		}
	}
	out, err := proc.Process(system(frames.SystemLLMResponseEnd))
	if err != nil {
		t.Fatalf("end turn: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one utterance, got %d", len(out))
	}
	tf := out[0].(frames.TextFrame)
	meta := tf.Meta()
	if tf.Text() != gateLineOpen {
		t.Fatalf("expected required line, got %q", tf.Text())
	}
	if meta[frames.MetaSource] != frames.SourceScriptGate || meta[frames.MetaScriptOverride] != "true" || meta[frames.MetaScriptReason] != script.ReasonMismatch {
		t.Fatalf("unexpected meta: %v", meta)
	}
	if meta[frames.MetaCallSID] != "CA1" || meta[frames.MetaTTSFlush] != "true" {
		t.Fatalf("expected call sid and flush carried, got %v", meta)
	}
	if conv.Current() != "gatekeeper_open" {
		t.Fatalf("transition must wait for playback, state=%s", conv.Current())
	}

	if _, err := proc.Process(system(frames.SystemBotStoppedSpeaking)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if conv.Current() != "value_prop" {
		t.Fatalf("expected value_prop after playback, got %s", conv.Current())
	}
}

func TestScriptGateProcessorOpeningLine(t *testing.T) {
	proc, _ := newGateProcessor(t)
	out, err := proc.Process(system(frames.SystemCallStart))
	if err != nil {
		t.Fatalf("call start: %v", err)
	}
	if len(out) != 2 || !frames.IsSystem(out[0], frames.SystemCallStart) {
		t.Fatalf("expected call_start then opening line, got %+v", out)
	}
	if tf := out[1].(frames.TextFrame); tf.Text() != gateLineOpen {
		t.Fatalf("unexpected opening %q", tf.Text())
	}
}

func TestScriptGateProcessorCallEndAbandonsTurn(t *testing.T) {
	proc, _ := newGateProcessor(t)
	if _, err := proc.Process(llmChunk(`{"say":"half`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := proc.Process(system(frames.SystemCallEnd)); err != nil {
		t.Fatalf("call end: %v", err)
	}
	if proc.Gate().Buffering() {
		t.Fatalf("turn must be dropped at call end")
	}
}

func TestScriptGateProcessorUnknownStateIsFatal(t *testing.T) {
	sc, err := script.New("gatekeeper", "", []script.State{{ID: "gatekeeper_open", Line: gateLineOpen}})
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	conv := script.NewConversation(sc, "missing")
	proc := NewScriptGateProcessor(script.NewGate(conv, script.WithLogger(logging.Discard())))

	_, err = proc.Process(system(frames.SystemLLMResponseEnd))
	if err == nil {
		t.Fatalf("expected error for unknown state")
	}
	if !errors.Is(err, script.ErrUnknownState) || !errorsx.Reason(err).Fatal() {
		t.Fatalf("expected fatal unknown state error, got %v", err)
	}
}

func TestScriptGateProcessorPassesUnrelatedFrames(t *testing.T) {
	proc, _ := newGateProcessor(t)
	out, err := proc.Process(userFinal("s1", "hello"))
	if err != nil || len(out) != 1 {
		t.Fatalf("expected passthrough, out=%d err=%v", len(out), err)
	}
}
