package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportDial             ReasonCode = "transport_dial"

	// ReasonScriptUnknownState means the conversation sits in a state the
	// script does not define. There is no safe line to speak, so calls end.
	ReasonScriptUnknownState    ReasonCode = "script_unknown_state"
	ReasonScriptInvalidDocument ReasonCode = "script_invalid_document"
	ReasonScriptSchemaViolation ReasonCode = "script_schema_violation"

	ReasonConfigInvalid ReasonCode = "config_invalid"
	ReasonLedgerWrite   ReasonCode = "ledger_write"
)

// Fatal reports whether an error with this reason must end the call.
func (r ReasonCode) Fatal() bool {
	return r == ReasonScriptUnknownState
}
