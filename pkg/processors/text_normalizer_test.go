package processors

import (
	"testing"

	"github.com/harunnryd/callscript/pkg/frames"
)

func TestTranscriptNormalizerWholeWords(t *testing.T) {
	n := NewTranscriptNormalizer(map[string]string{
		"past her":    "pastor",
		"church dear": "church directory",
	})
	out, err := n.Process(userFinal("s1", "Is this about the Church Dear? Ask the past her."))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out[0].(frames.TextFrame).Text()
	if got != "Is this about the church directory? Ask the pastor." {
		t.Fatalf("unexpected text %q", got)
	}

	out, _ = n.Process(userFinal("s1", "pasther"))
	if got := out[0].(frames.TextFrame).Text(); got != "pasther" {
		t.Fatalf("partial words must be left alone, got %q", got)
	}
}

func TestTranscriptNormalizerSkipsGateText(t *testing.T) {
	n := NewTranscriptNormalizer(map[string]string{"hello": "bye"})
	out, _ := n.Process(gateText("s1", "hello"))
	if got := out[0].(frames.TextFrame).Text(); got != "hello" {
		t.Fatalf("gate text must not be rewritten, got %q", got)
	}
}
