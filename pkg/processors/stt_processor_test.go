package processors

import (
	"testing"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/stt"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/providers/mock"
)

func callerAudio(streamID string) frames.AudioFrame {
	return frames.NewAudioFrame(streamID, time.Now().UnixNano(), make([]byte, 160), 8000, 1, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  "CA1",
	})
}

func TestSTTProcessorEmitsFinalTranscripts(t *testing.T) {
	sess := mock.NewSTT(mock.STTConfig{StreamID: "s1", Transcripts: []string{"who is this?"}, EmitInterim: true})
	proc := NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT { return sess })

	out, err := proc.Process(callerAudio("s1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected only the final transcript, got %d frames", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok || tf.Text() != "who is this?" || tf.Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("unexpected frame: %+v", out[0])
	}
}

func TestSTTProcessorForwardsInterimWhenEnabled(t *testing.T) {
	sess := mock.NewSTT(mock.STTConfig{StreamID: "s1", Transcripts: []string{"hello"}, EmitInterim: true})
	proc := NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT { return sess })
	proc.SetForwardInterim(true)

	out, err := proc.Process(callerAudio("s1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected interim and final, got %d", len(out))
	}
}

func TestSTTProcessorPassesOtherFrames(t *testing.T) {
	proc := NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{StreamID: streamID})
	})
	start := frames.NewSystemFrame("s1", 1, frames.SystemCallStart, map[string]string{frames.MetaStreamID: "s1"})
	out, err := proc.Process(start)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || !frames.IsSystem(out[0], frames.SystemCallStart) {
		t.Fatalf("expected call_start to pass through, got %+v", out)
	}
}

func TestSTTProcessorEmitter(t *testing.T) {
	sess := mock.NewSTT(mock.STTConfig{StreamID: "s1", Transcripts: []string{"yes"}})
	proc := NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT { return sess })
	got := make(chan frames.Frame, 4)
	proc.SetEmitter(func(f frames.Frame) { got <- f })

	out, err := proc.Process(callerAudio("s1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no inline output, got %d", len(out))
	}
	select {
	case f := <-got:
		if tf, ok := f.(frames.TextFrame); !ok || tf.Text() != "yes" {
			t.Fatalf("unexpected emitted frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("transcript not emitted")
	}
	proc.CloseAll()
}
