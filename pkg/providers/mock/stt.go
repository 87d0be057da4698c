package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callscript/pkg/adapters/stt"
	"github.com/harunnryd/callscript/pkg/frames"
)

// STTConfig scripts transcripts. Each audio frame received yields the next
// transcript until they run out.
type STTConfig struct {
	StreamID    string
	CallSID     string
	TraceID     string
	Transcripts []string
	EmitInterim bool
}

type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	next    int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("mock stt: not started")
	}
	if s.next >= len(s.cfg.Transcripts) {
		return nil
	}
	text := s.cfg.Transcripts[s.next]
	s.next++

	meta := map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  frames.SourceSTT,
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	if s.cfg.EmitInterim {
		meta[frames.MetaIsFinal] = "false"
		s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, meta)
	}
	meta[frames.MetaIsFinal] = "true"
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, meta)
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
