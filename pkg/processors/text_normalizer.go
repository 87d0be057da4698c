package processors

import (
	"regexp"
	"sort"
	"strings"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/pipeline"
)

// TranscriptNormalizer rewrites commonly misheard terms in final transcripts
// before the model sees them, e.g. "past her" to "pastor".
type TranscriptNormalizer struct {
	rules []normalizeRule
}

type normalizeRule struct {
	pattern *regexp.Regexp
	to      string
}

// NewTranscriptNormalizer builds whole-word, case-insensitive rules. Longer
// phrases are applied first.
func NewTranscriptNormalizer(replacements map[string]string) *TranscriptNormalizer {
	keys := make([]string, 0, len(replacements))
	for from := range replacements {
		if strings.TrimSpace(from) != "" {
			keys = append(keys, from)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	rules := make([]normalizeRule, 0, len(keys))
	for _, from := range keys {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(from)) + `\b`)
		rules = append(rules, normalizeRule{pattern: re, to: replacements[from]})
	}
	return &TranscriptNormalizer{rules: rules}
}

func (t *TranscriptNormalizer) Name() string { return "transcript_normalizer" }

func (t *TranscriptNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	tf, ok := f.(frames.TextFrame)
	if !ok || len(t.rules) == 0 {
		return []frames.Frame{f}, nil
	}
	meta := tf.Meta()
	if meta[frames.MetaSource] != frames.SourceSTT || meta[frames.MetaIsFinal] != "true" {
		return []frames.Frame{f}, nil
	}
	text := tf.Text()
	for _, r := range t.rules {
		text = r.pattern.ReplaceAllLiteralString(text, r.to)
	}
	if text == tf.Text() {
		return []frames.Frame{f}, nil
	}
	return []frames.Frame{tf.WithText(text)}, nil
}

var _ pipeline.FrameProcessor = (*TranscriptNormalizer)(nil)
