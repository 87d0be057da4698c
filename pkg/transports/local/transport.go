package local

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/transports"
)

var (
	ErrUnknownSession = errors.New("local: unknown session")
	ErrClosed         = errors.New("local: transport closed")
)

type Config struct {
	// PlaybackDelay holds bot_stopped_speaking back after audio is ready,
	// standing in for the time a caller would spend listening.
	PlaybackDelay time.Duration `mapstructure:"playback_delay"`
}

// Transport is a headless, in-memory transport. Calls are opened by
// StartSession, user speech arrives as typed text through Inject, and
// playback is acknowledged as soon as synthesis completes.
type Transport struct {
	cfg    Config
	recvCh chan frames.Frame
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
}

type session struct {
	callSID  string
	traceID  string
	speaking bool
	bytes    int
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:      cfg,
		recvCh:   make(chan frames.Frame, 256),
		logger:   logging.NewComponentLogger(slog.Default(), "local_transport"),
		sessions: make(map[string]*session),
	}
}

func (t *Transport) Name() string { return "local" }

func (t *Transport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logging.NewComponentLogger(logger, "local_transport")
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// StartSession opens a call and emits call_start. meta may carry from/to
// numbers for display.
func (t *Transport) StartSession(meta map[string]string) (string, error) {
	streamID := uuid.NewString()
	sess := &session{
		callSID: "local-" + streamID,
		traceID: uuid.NewString(),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	t.sessions[streamID] = sess
	t.mu.Unlock()

	out := t.baseMeta(streamID, sess)
	for _, k := range []string{frames.MetaFromNumber, frames.MetaToNumber} {
		if v := meta[k]; v != "" {
			out[k] = v
		}
	}
	t.logger.Info("local_session_started", "stream_id", streamID, "call_sid", sess.callSID)
	t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallStart, out))
	return streamID, nil
}

// EndSession emits call_end and forgets the session.
func (t *Transport) EndSession(streamID string) error {
	t.mu.Lock()
	sess, ok := t.sessions[streamID]
	delete(t.sessions, streamID)
	t.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	meta := t.baseMeta(streamID, sess)
	meta[frames.MetaCallEnd] = "completed"
	t.logger.Info("local_session_ended", "stream_id", streamID)
	t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
	return nil
}

// Hangup ends the session that owns callSID.
func (t *Transport) Hangup(_ context.Context, callSID string) error {
	t.mu.Lock()
	var streamID string
	for id, sess := range t.sessions {
		if sess.callSID == callSID {
			streamID = id
			break
		}
	}
	t.mu.Unlock()
	if streamID == "" {
		return ErrUnknownSession
	}
	return t.EndSession(streamID)
}

// Inject delivers typed text as a final user transcript.
func (t *Transport) Inject(streamID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("local: empty utterance")
	}
	sess := t.session(streamID)
	if sess == nil {
		return ErrUnknownSession
	}
	meta := t.baseMeta(streamID, sess)
	meta[frames.MetaSource] = frames.SourceSTT
	meta[frames.MetaIsFinal] = "true"
	t.push(frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta))
	return nil
}

func (t *Transport) Send(f frames.Frame) error {
	streamID := frames.StreamID(f)
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	switch v := f.(type) {
	case frames.AudioFrame:
		t.mu.Lock()
		started := !sess.speaking
		sess.speaking = true
		sess.bytes += len(v.RawPayload())
		t.mu.Unlock()
		if started {
			t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemBotStartedSpeaking, t.baseMeta(streamID, sess)))
		}
	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlAudioReady, frames.ControlFallback:
			if t.cfg.PlaybackDelay > 0 {
				time.AfterFunc(t.cfg.PlaybackDelay, func() { t.finishPlayback(streamID) })
				return nil
			}
			t.finishPlayback(streamID)
		}
	}
	return nil
}

func (t *Transport) finishPlayback(streamID string) {
	sess := t.session(streamID)
	if sess == nil {
		return
	}
	t.mu.Lock()
	played := sess.bytes
	sess.speaking = false
	sess.bytes = 0
	t.mu.Unlock()
	t.logger.Info("local_playback_finished", "stream_id", streamID, "audio_bytes", played)
	t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemBotStoppedSpeaking, t.baseMeta(streamID, sess)))
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) baseMeta(streamID string, sess *session) map[string]string {
	return map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  sess.callSID,
		frames.MetaTraceID:  sess.traceID,
		frames.MetaSource:   frames.SourceTransport,
	}
}

func (t *Transport) push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("local_recv_dropped", "stream_id", frames.StreamID(f), "kind", string(f.Kind()))
	}
}

var (
	_ transports.Transport         = (*Transport)(nil)
	_ transports.SessionStarter    = (*Transport)(nil)
	_ transports.UtteranceInjector = (*Transport)(nil)
	_ transports.Terminator        = (*Transport)(nil)
)
