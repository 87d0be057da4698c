package processors

import (
	"log/slog"

	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/pipeline"
	"github.com/harunnryd/callscript/pkg/redact"
	"github.com/harunnryd/callscript/pkg/turn"
)

// SpeechMuteProcessor drops user transcripts while the bot is speaking, so a
// caller talking over the bot does not start a new turn.
type SpeechMuteProcessor struct {
	machine *turn.Machine
	logger  *slog.Logger
}

func NewSpeechMuteProcessor() *SpeechMuteProcessor {
	return &SpeechMuteProcessor{
		machine: turn.NewMachine(),
		logger:  logging.NewComponentLogger(slog.Default(), "speech_mute"),
	}
}

func (p *SpeechMuteProcessor) Name() string { return "speech_mute" }

func (p *SpeechMuteProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "speech_mute")
	}
}

// Machine exposes the speaking state tracker.
func (p *SpeechMuteProcessor) Machine() *turn.Machine { return p.machine }

func (p *SpeechMuteProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch v := f.(type) {
	case frames.SystemFrame:
		switch v.Name() {
		case frames.SystemBotStartedSpeaking:
			p.machine.OnBotStarted()
		case frames.SystemBotStoppedSpeaking:
			p.machine.OnBotStopped()
		case frames.SystemCallEnd:
			p.machine.Reset()
		}
	case frames.TextFrame:
		meta := v.Meta()
		if meta[frames.MetaSource] != frames.SourceSTT {
			break
		}
		if p.machine.Speaking() {
			p.logger.Debug("stt_muted",
				"stream_id", meta[frames.MetaStreamID],
				"text", redact.Text(v.Text()),
				"speaking_ms", p.machine.SpeakingFor().Milliseconds())
			return nil, nil
		}
		if meta[frames.MetaIsFinal] == "true" {
			p.machine.OnUserFinal()
		}
	}
	return []frames.Frame{f}, nil
}

var _ pipeline.FrameProcessor = (*SpeechMuteProcessor)(nil)
