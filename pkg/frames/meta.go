package frames

// Meta keys shared across processors, providers and transports.
const (
	MetaStreamID    = "stream_id"
	MetaTraceID     = "trace_id"
	MetaCallSID     = "call_sid"
	MetaSource      = "source"
	MetaIsFinal     = "is_final"
	MetaLanguage    = "language"
	MetaReason      = "reason"
	MetaTTSFlush    = "tts_flush"
	MetaCodec       = "codec"
	MetaEncoding    = "encoding"
	MetaFromNumber  = "from_number"
	MetaToNumber    = "to_number"
	MetaCallEnd     = "call_end_reason"
	MetaMarkName    = "mark_name"
	MetaScriptState = "script_state"
	// MetaScriptOverride is "true" when the gate replaced the model's line.
	MetaScriptOverride = "script_override"
	MetaScriptReason   = "script_reason"
)

// System frame names.
const (
	SystemCallStart          = "call_start"
	SystemCallEnd            = "call_end"
	SystemLLMResponseEnd     = "llm_response_end"
	SystemBotStartedSpeaking = "bot_started_speaking"
	SystemBotStoppedSpeaking = "bot_stopped_speaking"
)

// Frame sources written to MetaSource.
const (
	SourceSTT        = "stt"
	SourceLLM        = "llm"
	SourceScriptGate = "script_gate"
	SourceTTS        = "tts"
	SourceTransport  = "transport"
	SourceOperator   = "operator"
)

// StreamID returns the stream a frame belongs to.
func StreamID(f Frame) string {
	if f == nil {
		return ""
	}
	return f.Value(MetaStreamID)
}

// IsSystem reports whether f is a system frame with the given name.
func IsSystem(f Frame, name string) bool {
	sf, ok := f.(SystemFrame)
	return ok && sf.Name() == name
}

// IsControl reports whether f is a control frame with the given code.
func IsControl(f Frame, code ControlCode) bool {
	cf, ok := f.(ControlFrame)
	return ok && cf.Code() == code
}
