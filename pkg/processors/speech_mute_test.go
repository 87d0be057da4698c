package processors

import (
	"testing"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/turn"
)

func TestSpeechMuteDropsTranscriptsWhileSpeaking(t *testing.T) {
	proc := NewSpeechMuteProcessor()
	proc.SetLogger(logging.Discard())

	if out, _ := proc.Process(userFinal("s1", "hello")); len(out) != 1 {
		t.Fatalf("expected transcript to pass while idle")
	}
	if proc.Machine().State() != turn.StateThinking {
		t.Fatalf("expected THINKING, got %s", proc.Machine().State())
	}

	proc.Process(system(frames.SystemBotStartedSpeaking))
	if out, _ := proc.Process(userFinal("s1", "wait")); len(out) != 0 {
		t.Fatalf("expected transcript muted while speaking")
	}

	proc.Process(system(frames.SystemBotStoppedSpeaking))
	if out, _ := proc.Process(userFinal("s1", "yes")); len(out) != 1 {
		t.Fatalf("expected transcript after playback")
	}
}

func TestSpeechMutePassesNonTranscripts(t *testing.T) {
	proc := NewSpeechMuteProcessor()
	proc.Process(system(frames.SystemBotStartedSpeaking))
	if out, _ := proc.Process(gateText("s1", "hi")); len(out) != 1 {
		t.Fatalf("gate text must not be muted")
	}
	if out, _ := proc.Process(system(frames.SystemCallEnd)); len(out) != 1 {
		t.Fatalf("system frames pass through")
	}
	if proc.Machine().State() != turn.StateIdle {
		t.Fatalf("call end must reset, got %s", proc.Machine().State())
	}
}
