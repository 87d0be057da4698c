package callscript

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/stt"
	"github.com/harunnryd/callscript/pkg/adapters/tts"
	"github.com/harunnryd/callscript/pkg/configutil"
	"github.com/harunnryd/callscript/pkg/llm"
	"github.com/harunnryd/callscript/pkg/providers/cartesia"
	"github.com/harunnryd/callscript/pkg/providers/deepgram"
	"github.com/harunnryd/callscript/pkg/providers/groq"
	"github.com/harunnryd/callscript/pkg/providers/mock"
	"github.com/harunnryd/callscript/pkg/resilience"
)

type STTFactory func(callSID, streamID, traceID string) stt.StreamingSTT
type TTSFactory func(callSID, streamID string) tts.StreamingTTS

type STTFactoryBuilder func(cfg Config) (STTFactory, error)
type TTSFactoryBuilder func(cfg Config) (TTSFactory, error)
type LLMFactory func(cfg Config) (llm.LLMAdapter, error)

// ProviderRegistry maps provider names from config onto constructors.
// Names are case-insensitive.
type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		tts: make(map[string]TTSFactoryBuilder),
		llm: make(map[string]LLMFactory),
	}
}

// DefaultProviders registers deepgram, groq, cartesia and the mocks.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterLLM("groq", buildGroq)
	r.RegisterLLM("mock", buildMockLLM)
	r.RegisterTTS("cartesia", buildCartesia)
	r.RegisterTTS("mock", buildMockTTS)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(cfg Config) (STTFactory, error) {
	fn := r.stt[providerKey(cfg.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.STT.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTSFactory(cfg Config) (TTSFactory, error) {
	fn := r.tts[providerKey(cfg.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.TTS.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(cfg.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.LLM.Provider)
	}
	return fn(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func buildDeepgram(cfg Config) (STTFactory, error) {
	var settings deepgramSettings
	err := configutil.Decode("vendors.deepgram", cfg.VendorSettings("deepgram"), configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "interim", "utterance_end_ms"},
		Allowed:  map[string][]string{"encoding": {"mulaw", "linear16"}},
	}, &settings)
	if err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.deepgram.api_key"); err != nil {
		return nil, err
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("vendors.deepgram.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	interim := configutil.BoolValue(settings.Interim, true)
	return func(callSID, streamID, traceID string) stt.StreamingSTT {
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			SampleRate:     settings.SampleRate,
			Encoding:       settings.Encoding,
			Interim:        interim,
			UtteranceEndMS: utteranceEnd,
			StreamID:       streamID,
			CallSID:        callSID,
			TraceID:        traceID,
		})
	}, nil
}

type mockSTTSettings struct {
	Transcripts []string `mapstructure:"transcripts"`
	EmitInterim bool     `mapstructure:"emit_interim"`
}

func buildMockSTT(cfg Config) (STTFactory, error) {
	var settings mockSTTSettings
	err := configutil.Decode("vendors.mock", cfg.VendorSettings("mock"), configutil.Schema{
		Optional:     []string{"transcripts", "emit_interim"},
		AllowUnknown: true,
	}, &settings)
	if err != nil {
		return nil, err
	}
	return func(callSID, streamID, traceID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{
			StreamID:    streamID,
			CallSID:     callSID,
			TraceID:     traceID,
			Transcripts: settings.Transcripts,
			EmitInterim: settings.EmitInterim,
		})
	}, nil
}

type groqSettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	StreamJSON        bool   `mapstructure:"stream_json"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	Retries           *int   `mapstructure:"retries"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
}

func buildGroq(cfg Config) (llm.LLMAdapter, error) {
	var settings groqSettings
	err := configutil.Decode("vendors.groq", cfg.VendorSettings("groq"), configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "stream_json", "timeout_ms", "retries", "use_circuit_breaker"},
	}, &settings)
	if err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.groq.api_key"); err != nil {
		return nil, err
	}
	adapter := groq.NewAdapter(settings.APIKey, settings.Model)
	if settings.BaseURL != "" {
		adapter.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	}
	if settings.TimeoutMS > 0 {
		adapter.Client.Timeout = time.Duration(settings.TimeoutMS) * time.Millisecond
	}
	adapter.StreamJSON = settings.StreamJSON

	var out llm.LLMAdapter = adapter
	if retries := configutil.IntValue(settings.Retries, 2); retries > 0 {
		out = llm.NewRetryAdapter(out, llm.RetryConfig{MaxAttempts: retries + 1})
	}
	if configutil.BoolValue(settings.UseCircuitBreaker, true) {
		out = llm.NewCircuitBreakerAdapter(out, resilience.NewCircuitBreaker(3, 30*time.Second))
	}
	return out, nil
}

type mockLLMSettings struct {
	Responses []string `mapstructure:"responses"`
	ChunkSize int      `mapstructure:"chunk_size"`
}

func buildMockLLM(cfg Config) (llm.LLMAdapter, error) {
	var settings mockLLMSettings
	err := configutil.Decode("vendors.mock", cfg.VendorSettings("mock"), configutil.Schema{
		Optional:     []string{"responses", "chunk_size"},
		AllowUnknown: true,
	}, &settings)
	if err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{
		Responses: settings.Responses,
		ChunkSize: settings.ChunkSize,
	}), nil
}

type cartesiaSettings struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	Language   string `mapstructure:"language"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	URL        string `mapstructure:"url"`
	Version    string `mapstructure:"version"`
}

func buildCartesia(cfg Config) (TTSFactory, error) {
	var settings cartesiaSettings
	err := configutil.Decode("vendors.cartesia", cfg.VendorSettings("cartesia"), configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "language", "sample_rate", "url", "version"},
		Allowed:  map[string][]string{"encoding": {"pcm_mulaw", "pcm_s16le", "pcm_alaw"}},
	}, &settings)
	if err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.cartesia.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.VoiceID, "vendors.cartesia.voice_id"); err != nil {
		return nil, err
	}
	return func(callSID, streamID string) tts.StreamingTTS {
		return cartesia.New(cartesia.Config{
			APIKey:     settings.APIKey,
			VoiceID:    settings.VoiceID,
			ModelID:    settings.ModelID,
			Language:   settings.Language,
			Encoding:   settings.Encoding,
			SampleRate: settings.SampleRate,
			URL:        settings.URL,
			Version:    settings.Version,
			StreamID:   streamID,
			CallSID:    callSID,
		})
	}, nil
}

type mockTTSSettings struct {
	SampleRate     int  `mapstructure:"sample_rate"`
	SkipAudioReady bool `mapstructure:"skip_audio_ready"`
}

func buildMockTTS(cfg Config) (TTSFactory, error) {
	var settings mockTTSSettings
	err := configutil.Decode("vendors.mock", cfg.VendorSettings("mock"), configutil.Schema{
		Optional:     []string{"sample_rate", "skip_audio_ready"},
		AllowUnknown: true,
	}, &settings)
	if err != nil {
		return nil, err
	}
	return func(callSID, streamID string) tts.StreamingTTS {
		return mock.NewTTS(mock.TTSConfig{
			StreamID:       streamID,
			CallSID:        callSID,
			SampleRate:     settings.SampleRate,
			SkipAudioReady: settings.SkipAudioReady,
		})
	}, nil
}
