package callscript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/script"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "script:\n  path: ./script.yaml\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != "local" || cfg.STT.Provider != "mock" || cfg.LLM.Provider != "mock" || cfg.TTS.Provider != "mock" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Script.GateMode() != script.ModeStrict || cfg.Script.Policy() != script.TransitionAlways {
		t.Fatalf("expected strict gate with always policy, got %s %s", cfg.Script.GateMode(), cfg.Script.Policy())
	}
	if !cfg.Pipeline.Async || cfg.Pipeline.HighCapacity != 256 || cfg.Pipeline.LowCapacity != 512 {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureDrop {
		t.Fatalf("expected drop backpressure, got %v", cfg.Pipeline.Backpressure)
	}
	if !cfg.Privacy.RedactPII || cfg.Server.Addr != ":8080" || cfg.LLM.MaxHistory != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigEnvOverridesAndExpansion(t *testing.T) {
	t.Setenv("CALLSCRIPT_TRANSPORT", "twilio")
	t.Setenv("CALLSCRIPT_SCRIPT_TRANSITION_POLICY", "on_accept")
	t.Setenv("TEST_DEEPGRAM_KEY", "dg-secret")
	t.Setenv("TEST_SCRIPT_DIR", "/etc/callscript")

	path := writeConfig(t, `
transport: local
stt:
  provider: deepgram
  replacements:
    chirch: church
vendors:
  deepgram:
    api_key: ${TEST_DEEPGRAM_KEY}
    model: nova-2-phonecall
script:
  path: ${TEST_SCRIPT_DIR}/gatekeeper.yaml
  strict: false
  extra_markers: ["internal note"]
pipeline:
  queue_size: 32
  backpressure: wait
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != "twilio" {
		t.Fatalf("expected env override, got %q", cfg.Transport)
	}
	if cfg.Script.Policy() != script.TransitionOnAccept || cfg.Script.GateMode() != script.ModeLenient {
		t.Fatalf("unexpected script config: %+v", cfg.Script)
	}
	if cfg.Script.Path != "/etc/callscript/gatekeeper.yaml" {
		t.Fatalf("expected expanded path, got %q", cfg.Script.Path)
	}
	if got := cfg.VendorSettings("deepgram")["api_key"]; got != "dg-secret" {
		t.Fatalf("expected expanded vendor key, got %v", got)
	}
	if cfg.STT.Replacements["chirch"] != "church" {
		t.Fatalf("expected replacements, got %v", cfg.STT.Replacements)
	}
	if len(cfg.Script.ExtraMarkers) != 1 || cfg.Script.ExtraMarkers[0] != "internal note" {
		t.Fatalf("unexpected markers: %v", cfg.Script.ExtraMarkers)
	}
	if cfg.Pipeline.HighCapacity != 32 || cfg.Pipeline.Backpressure != pipeline.BackpressureWait {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
}

func TestLoadConfigReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
transport: carrier-pigeon
script:
  transition_policy: sometimes
observability:
  log_format: xml
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errorsx.Reason(err) != errorsx.ReasonConfigInvalid {
		t.Fatalf("expected config reason, got %q", errorsx.Reason(err))
	}
	for _, want := range []string{"transport", "script.path", "script.transition_policy", "observability.log_format"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestProviderSettingsValidated(t *testing.T) {
	cfg := testConfig()
	cfg.STT.Provider = "deepgram"
	cfg.Vendors["deepgram"] = map[string]any{"model": "nova-2"}
	if _, err := DefaultProviders().BuildSTTFactory(cfg); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}

	cfg.Vendors["deepgram"] = map[string]any{"api_key": "k", "encoding": "opus"}
	if _, err := DefaultProviders().BuildSTTFactory(cfg); err == nil || !strings.Contains(err.Error(), "encoding") {
		t.Fatalf("expected encoding choice error, got %v", err)
	}

	cfg.LLM.Provider = "GROQ"
	cfg.Vendors["groq"] = map[string]any{"api_key": "gsk", "timeout_ms": 1500, "retries": 1}
	adapter, err := DefaultProviders().BuildLLM(cfg)
	if err != nil || adapter == nil {
		t.Fatalf("expected groq adapter, got %v", err)
	}
}
