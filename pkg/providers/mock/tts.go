package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/tts"
	"github.com/harunnryd/callscript/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Channels   int
	// SkipAudioReady suppresses the end-of-utterance control frame.
	SkipAudioReady bool
}

// StreamingTTS emits one silent audio frame per utterance and records the
// texts it was asked to speak.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	spoken  []string
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 64),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("mock tts: not started")
	}
	s.spoken = append(s.spoken, text)

	meta := map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  frames.SourceTTS,
	}
	pcm := make([]byte, 160)
	s.out <- frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, meta)
	if !s.cfg.SkipAudioReady {
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, meta)
	}
	return nil
}

func (s *StreamingTTS) Flush() {}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

// Spoken returns every utterance sent so far.
func (s *StreamingTTS) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
