package callscript

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/callscript/pkg/configutil"
	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/script"
)

const envPrefix = "CALLSCRIPT"

type Config struct {
	Transport     string                    `mapstructure:"transport"`
	STT           STTConfig                 `mapstructure:"stt"`
	LLM           LLMConfig                 `mapstructure:"llm"`
	TTS           TTSConfig                 `mapstructure:"tts"`
	Vendors       map[string]map[string]any `mapstructure:"vendors"`
	Script        ScriptConfig              `mapstructure:"script"`
	Pipeline      pipeline.Config           `mapstructure:"-"`
	Observability ObservabilityConfig       `mapstructure:"observability"`
	Privacy       PrivacyConfig             `mapstructure:"privacy"`
	Server        ServerConfig              `mapstructure:"server"`
	Twilio        map[string]any            `mapstructure:"twilio"`
	Local         map[string]any            `mapstructure:"local"`
}

type STTConfig struct {
	Provider       string `mapstructure:"provider"`
	ForwardInterim bool   `mapstructure:"forward_interim"`
	// Replacements are whole-word transcript corrections, matched
	// case-insensitively.
	Replacements map[string]string `mapstructure:"replacements"`
}

type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	MaxHistory int    `mapstructure:"max_history"`
}

type TTSConfig struct {
	Provider string `mapstructure:"provider"`
}

type ScriptConfig struct {
	Path             string   `mapstructure:"path"`
	Strict           bool     `mapstructure:"strict"`
	TransitionPolicy string   `mapstructure:"transition_policy"`
	ExtraMarkers     []string `mapstructure:"extra_markers"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	LedgerPath     string `mapstructure:"ledger_path"`
	ObserverBuffer int    `mapstructure:"observer_buffer"`
	// FrameSampleRate is the share of per-frame metrics that reach the log.
	FrameSampleRate float64 `mapstructure:"frame_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
}

// GateMode maps script.strict onto the gate's comparison mode.
func (c ScriptConfig) GateMode() script.Mode {
	if c.Strict {
		return script.ModeStrict
	}
	return script.ModeLenient
}

// Policy maps script.transition_policy onto the gate's transition policy.
func (c ScriptConfig) Policy() script.TransitionPolicy {
	if strings.EqualFold(strings.TrimSpace(c.TransitionPolicy), "on_accept") {
		return script.TransitionOnAccept
	}
	return script.TransitionAlways
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", "local")
	v.SetDefault("stt.provider", "mock")
	v.SetDefault("stt.forward_interim", false)
	v.SetDefault("llm.provider", "mock")
	v.SetDefault("llm.max_history", 20)
	v.SetDefault("tts.provider", "mock")
	v.SetDefault("script.strict", true)
	v.SetDefault("script.transition_policy", "always")
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.stage_buffer", 64)
	v.SetDefault("pipeline.fairness_ratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.ledger_path", "")
	v.SetDefault("observability.observer_buffer", 2048)
	v.SetDefault("observability.frame_sample_rate", 0.01)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.drain_timeout_ms", 20000)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var raw struct {
		Config   `mapstructure:",squash"`
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			QueueSize     int    `mapstructure:"queue_size"`
			StageBuffer   int    `mapstructure:"stage_buffer"`
			FairnessRatio int    `mapstructure:"fairness_ratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := raw.Config
	cfg.Pipeline = pipeline.Config{
		Async:         raw.Pipeline.Async,
		StageBuffer:   raw.Pipeline.StageBuffer,
		HighCapacity:  raw.Pipeline.QueueSize,
		LowCapacity:   raw.Pipeline.QueueSize * 2,
		FairnessRatio: raw.Pipeline.FairnessRatio,
		Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("validate config: %w", err), errorsx.ReasonConfigInvalid)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(configutil.Choice(c.Transport, "transport", "twilio", "local"))
	add(configutil.RequireString(c.STT.Provider, "stt.provider"))
	add(configutil.RequireString(c.LLM.Provider, "llm.provider"))
	add(configutil.RequireString(c.TTS.Provider, "tts.provider"))
	add(configutil.RequireString(c.Script.Path, "script.path"))
	add(configutil.Choice(c.Script.TransitionPolicy, "script.transition_policy", "always", "on_accept"))
	add(configutil.Choice(c.Observability.LogLevel, "observability.log_level", "debug", "info", "warn", "error"))
	add(configutil.Choice(c.Observability.LogFormat, "observability.log_format", "json", "text"))
	if c.Pipeline.HighCapacity <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size must be positive, got %d", c.Pipeline.HighCapacity))
	}
	if c.LLM.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("llm.max_history must not be negative, got %d", c.LLM.MaxHistory))
	}
	return errors.Join(errs...)
}

// VendorSettings returns the vendors.<name> block.
func (c Config) VendorSettings(name string) map[string]any {
	return configutil.Section(c.Vendors, name)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for name, settings := range cfg.Vendors {
		cfg.Vendors[name] = expandSettings(settings)
	}
	cfg.Twilio = expandSettings(cfg.Twilio)
	cfg.Local = expandSettings(cfg.Local)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
