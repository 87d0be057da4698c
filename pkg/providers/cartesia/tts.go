package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscript/pkg/adapters/tts"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/resilience"
)

const (
	DefaultURL     = "wss://api.cartesia.ai/tts/websocket"
	DefaultVersion = "2025-04-16"
	DefaultModel   = "sonic-3"
)

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	Language   string `mapstructure:"language"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	URL        string `mapstructure:"url"`
	Version    string `mapstructure:"version"`
	StreamID   string `mapstructure:"-"`
	CallSID    string `mapstructure:"-"`
}

// TTS is a Cartesia websocket session. Every SendText opens a new
// generation context; its "done" message becomes ControlAudioReady.
type TTS struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	writeMu sync.Mutex

	closeMu sync.RWMutex
	closed  bool

	mu        sync.Mutex
	current   string
	cancelled map[string]bool
}

type generationRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voice        `json:"voice"`
	Language     string       `json:"language,omitempty"`
	OutputFormat outputFormat `json:"output_format"`
	ContextID    string       `json:"context_id"`
	Continue     bool         `json:"continue"`
}

type voice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type response struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Done      bool   `json:"done"`
	ContextID string `json:"context_id"`
	Error     string `json:"error"`
	Status    int    `json:"status_code"`
}

func New(cfg Config) *TTS {
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModel
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_mulaw"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TTS{
		cfg:       cfg,
		out:       make(chan frames.Frame, 256),
		ctx:       ctx,
		cancel:    cancel,
		cancelled: make(map[string]bool),
		logger:    logging.NewComponentLogger(slog.Default(), "cartesia_tts"),
	}
}

func (s *TTS) Name() string { return "cartesia_tts" }

func (s *TTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("cartesia: api key and voice id required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)

	u, err := s.buildURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(s.ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitFromResponse("cartesia", resp, "")
		}
		return err
	}
	s.conn = conn
	s.logger.Info("cartesia_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model_id", s.cfg.ModelID),
		slog.String("encoding", s.cfg.Encoding))
	go s.readLoop()
	return nil
}

func (s *TTS) buildURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", s.cfg.APIKey)
	q.Set("cartesia_version", s.cfg.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *TTS) Close() error {
	// cancel first so a blocked emit lets go of closeMu
	s.cancel()
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.closeMu.Unlock()

	if s.conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *TTS) SendText(text string) error {
	if s.conn == nil {
		return errors.New("cartesia: not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	contextID := uuid.NewString()
	s.mu.Lock()
	s.current = contextID
	s.mu.Unlock()
	return s.send(generationRequest{
		ModelID:    s.cfg.ModelID,
		Transcript: text,
		Voice:      voice{Mode: "id", ID: s.cfg.VoiceID},
		Language:   s.cfg.Language,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   s.cfg.Encoding,
			SampleRate: s.cfg.SampleRate,
		},
		ContextID: contextID,
	})
}

// Flush cancels the running generation and purges buffered audio.
func (s *TTS) Flush() {
	s.mu.Lock()
	contextID := s.current
	s.current = ""
	if contextID != "" {
		s.cancelled[contextID] = true
	}
	s.mu.Unlock()
	if contextID != "" && s.conn != nil {
		_ = s.send(cancelRequest{ContextID: contextID, Cancel: true})
	}
drain:
	for {
		select {
		case _, ok := <-s.out:
			if !ok {
				return
			}
		default:
			break drain
		}
	}
	s.logger.Info("cartesia_flushed", slog.String("stream_id", s.cfg.StreamID))
}

func (s *TTS) Results() <-chan frames.Frame { return s.out }

func (s *TTS) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *TTS) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("cartesia_read_error",
					slog.String("stream_id", s.cfg.StreamID),
					slog.String("error", err.Error()))
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *TTS) handleMessage(data []byte) {
	var msg response
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("cartesia_bad_message", slog.Int("bytes", len(data)))
		return
	}
	s.mu.Lock()
	skip := s.cancelled[msg.ContextID]
	if skip && msg.Type != "chunk" {
		delete(s.cancelled, msg.ContextID)
	}
	s.mu.Unlock()
	if skip {
		return
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   frames.SourceTTS,
	}
	switch msg.Type {
	case "chunk":
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.logger.Error("cartesia_audio_decode_error", slog.String("error", err.Error()))
			return
		}
		if strings.Contains(s.cfg.Encoding, "mulaw") {
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaCodec] = "ulaw"
		}
		s.emit(frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta))
	case "done":
		s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, meta))
	case "error":
		s.logger.Error("cartesia_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("context_id", msg.ContextID),
			slog.Int("status", msg.Status),
			slog.String("error", msg.Error))
	}
}

// emit blocks until the frame is consumed or the session ends. Audio-ready
// frames drive transition release, so they are never dropped for space.
func (s *TTS) emit(f frames.Frame) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

var _ tts.StreamingTTS = (*TTS)(nil)
