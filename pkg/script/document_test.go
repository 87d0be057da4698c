package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/callscript/pkg/errorsx"
)

const gatekeeperYAML = `
name: gatekeeper
initial_state: gatekeeper_open
content_pack: |
  Reply in at most 20 words.
meta_markers:
  - "todo:"
states:
  - id: gatekeeper_open
    line: "Hi, I'm Alex from Remember Church Directories—do you have a quick moment?"
  - id: value_prop
    line: "We create free, photo-quality church directories; every family receives a complimentary eight-by-ten."
  - id: ask_for_dm
    line: "Could I please speak with the Pastor to share this brief gift idea?"
`

func TestParseDocumentYAML(t *testing.T) {
	doc, err := ParseDocument([]byte(gatekeeperYAML), true)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if doc.Script.Name() != "gatekeeper" || doc.Script.Initial() != "gatekeeper_open" {
		t.Fatalf("unexpected script header: %s %s", doc.Script.Name(), doc.Script.Initial())
	}
	if len(doc.Script.States()) != 3 {
		t.Fatalf("expected 3 states, got %d", len(doc.Script.States()))
	}
	if doc.ContentPack != "Reply in at most 20 words." {
		t.Fatalf("unexpected content pack %q", doc.ContentPack)
	}
	if len(doc.Digest) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", doc.Digest)
	}
	if !doc.LeakDetector().LooksMeta("TODO: greet") {
		t.Fatalf("expected document marker in leak detector")
	}
	if !doc.LeakDetector().LooksMeta("option b") {
		t.Fatalf("expected default markers to remain")
	}
}

func TestDigestIgnoresKeyOrderAndFormatting(t *testing.T) {
	a := `{"name":"s","states":[{"id":"a","line":"A"}]}`
	b := "{\n  \"states\": [ {\"line\": \"A\", \"id\": \"a\"} ],\n  \"name\": \"s\"\n}"
	da, err := ParseDocument([]byte(a), false)
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	db, err := ParseDocument([]byte(b), false)
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if da.Digest != db.Digest {
		t.Fatalf("expected equal digests, got %s and %s", da.Digest, db.Digest)
	}
}

func TestParseDocumentRejectsSchemaViolations(t *testing.T) {
	cases := []string{
		`{"name":"s","states":[]}`,
		`{"name":"s","states":[{"id":"Bad-Id","line":"x"}]}`,
		`{"name":"s","states":[{"id":"a"}]}`,
		`{"states":[{"id":"a","line":"x"}]}`,
		`{"name":"s","states":[{"id":"a","line":"x"}],"extra":true}`,
	}
	for _, c := range cases {
		_, err := ParseDocument([]byte(c), false)
		if !errorsx.HasReason(err, errorsx.ReasonScriptSchemaViolation) {
			t.Fatalf("expected schema violation for %s, got %v", c, err)
		}
	}
}

func TestParseDocumentRejectsUnknownInitialState(t *testing.T) {
	_, err := ParseDocument([]byte(`{"name":"s","initial_state":"nope","states":[{"id":"a","line":"x"}]}`), false)
	if !errorsx.HasReason(err, errorsx.ReasonScriptInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
}

func TestLoadDocumentFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.yml")
	if err := os.WriteFile(path, []byte(gatekeeperYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	line, err := doc.Script.RequiredLine("ask_for_dm")
	if err != nil || line == "" {
		t.Fatalf("expected ask_for_dm line, got %q err=%v", line, err)
	}
	if _, err := LoadDocument(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNewScriptValidation(t *testing.T) {
	if _, err := New("s", "", nil); err == nil {
		t.Fatalf("expected error for empty script")
	}
	if _, err := New("s", "", []State{{ID: "a", Line: "x"}, {ID: "a", Line: "y"}}); err == nil {
		t.Fatalf("expected duplicate state error")
	}
	sc, err := New("s", "", []State{{ID: "a", Line: "x"}, {ID: "b", Line: "y"}})
	if err != nil {
		t.Fatalf("new error: %v", err)
	}
	if sc.Initial() != "a" {
		t.Fatalf("expected first state as initial, got %s", sc.Initial())
	}
	if sc.IsKnownState("c") {
		t.Fatalf("unexpected known state")
	}
}
