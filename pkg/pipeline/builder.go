package pipeline

// VoiceAgentBuilder assembles the call pipeline in its fixed stage order:
// speech-to-text, transcript normalizer, mute filter, LLM, script gate,
// text-to-speech. Nothing may sit between the gate and TTS.
type VoiceAgentBuilder struct {
	stt  FrameProcessor
	norm FrameProcessor
	mute FrameProcessor
	llm  FrameProcessor
	gate FrameProcessor
	tts  FrameProcessor
}

func NewVoiceAgentBuilder() *VoiceAgentBuilder {
	return &VoiceAgentBuilder{}
}

func (b *VoiceAgentBuilder) WithSTT(p FrameProcessor) *VoiceAgentBuilder {
	b.stt = p
	return b
}

func (b *VoiceAgentBuilder) WithNormalizer(p FrameProcessor) *VoiceAgentBuilder {
	b.norm = p
	return b
}

func (b *VoiceAgentBuilder) WithMute(p FrameProcessor) *VoiceAgentBuilder {
	b.mute = p
	return b
}

func (b *VoiceAgentBuilder) WithLLM(p FrameProcessor) *VoiceAgentBuilder {
	b.llm = p
	return b
}

func (b *VoiceAgentBuilder) WithScriptGate(p FrameProcessor) *VoiceAgentBuilder {
	b.gate = p
	return b
}

func (b *VoiceAgentBuilder) WithTTS(p FrameProcessor) *VoiceAgentBuilder {
	b.tts = p
	return b
}

// Processors returns the stages in pipeline order, skipping unset ones.
func (b *VoiceAgentBuilder) Processors() []FrameProcessor {
	var out []FrameProcessor
	for _, p := range []FrameProcessor{b.stt, b.norm, b.mute, b.llm, b.gate, b.tts} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (b *VoiceAgentBuilder) Build(cfg Config) Orchestrator {
	return NewWithPipelineConfig(PipelineConfig{
		Config:     cfg,
		Processors: b.Processors(),
	})
}
