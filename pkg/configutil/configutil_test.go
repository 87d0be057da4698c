package configutil

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSettingsReportsProblems(t *testing.T) {
	schema := Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
		Allowed:  map[string][]string{"encoding": {"mulaw", "linear16"}},
	}
	err := ValidateSettings(map[string]any{
		"API-Key":  " ",
		"voice":    "x",
		"encoding": "opus",
	}, schema)
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"missing: api_key", "unknown: voice", "encoding must be one of [mulaw, linear16]"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}

	ok := map[string]any{"apiKey": "k", "ENCODING": "MULAW"}
	if err := ValidateSettings(ok, schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	if err := ValidateSettings(map[string]any{"extra": 1}, Schema{AllowUnknown: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeLooseKeysAndDurations(t *testing.T) {
	var out struct {
		APIKey  string        `mapstructure:"api_key"`
		Delay   time.Duration `mapstructure:"playback_delay"`
		Rate    int           `mapstructure:"sample_rate"`
		Markers []string      `mapstructure:"markers"`
	}
	in := map[string]any{
		"ApiKey":         "secret",
		"playback-delay": "250ms",
		"sample_rate":    "8000",
		"markers":        "a,b",
	}
	schema := Schema{Optional: []string{"api_key", "playback_delay", "sample_rate", "markers"}}
	if err := Decode("vendors.test", in, schema, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" || out.Delay != 250*time.Millisecond || out.Rate != 8000 {
		t.Fatalf("unexpected decode %+v", out)
	}
	if len(out.Markers) != 2 || out.Markers[1] != "b" {
		t.Fatalf("unexpected markers %v", out.Markers)
	}

	err := Decode("vendors.test", map[string]any{"bogus": true}, schema, &out)
	if err == nil || !strings.HasPrefix(err.Error(), "vendors.test:") {
		t.Fatalf("expected prefixed error, got %v", err)
	}
}

func TestSectionAndChoice(t *testing.T) {
	sections := map[string]map[string]any{"deep_gram": {"model": "nova"}}
	if got := Section(sections, "Deepgram"); got["model"] != "nova" {
		t.Fatalf("expected loose section lookup, got %v", got)
	}
	if Section(sections, "cartesia") != nil {
		t.Fatalf("expected nil for missing section")
	}
	if err := Choice(" Local ", "transport", "twilio", "local"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Choice("sip", "transport", "twilio", "local"); err == nil {
		t.Fatalf("expected choice error")
	}
	if err := RequireString("", "script.path"); err == nil || !strings.Contains(err.Error(), "script.path") {
		t.Fatalf("expected required error, got %v", err)
	}
}
