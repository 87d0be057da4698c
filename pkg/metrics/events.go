package metrics

// Event names emitted by the pipeline and its providers.
const (
	EventFrameIn        = "frame_in"
	EventFrameOut       = "frame_out"
	EventFrameDrop      = "frame_drop"
	EventStageLatency   = "stage_latency_us"
	EventProcessorError = "processor_error"

	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"

	EventLLMFirstToken = "llm_first_token_ms"
	EventTTSFirstAudio = "tts_first_audio_ms"

	// Script gate events carry the decision in Fields.
	EventScriptDecision   = "script_decision"
	EventScriptTransition = "script_transition"
	EventCallStarted      = "call_started"
	EventCallEnded        = "call_ended"
)

// IsHighVolume reports whether ev is a per-frame event worth sampling.
func IsHighVolume(name string) bool {
	switch name {
	case EventFrameIn, EventFrameOut, EventStageLatency:
		return true
	}
	return false
}
