package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/transports"
	"github.com/labstack/echo/v4"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

const paramsKey = "twilioParams"

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	FromNumber         string   `mapstructure:"from_number"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio/stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio Media Streams to the frame pipeline. Webhooks and
// the media websocket are served by the shared echo server through Register.
//
// Playback is tracked with media-stream marks: the first audio after silence
// reports bot_started_speaking, and the echo of the last outstanding mark
// reports bot_stopped_speaking.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	logger   *slog.Logger
	dialer   *Dialer

	mu          sync.Mutex
	sessions    map[string]*session
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	fromNumbers map[string]string

	draining atomic.Bool
	stopOnce sync.Once
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:      make(chan frames.Frame, 512),
		logger:      logging.NewComponentLogger(slog.Default(), "twilio_transport"),
		dialer:      NewDialer(cfg),
		sessions:    make(map[string]*session),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		traceIDs:    make(map[string]string),
		fromNumbers: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logging.NewComponentLogger(logger, "twilio_transport")
	}
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
		"stream_path":         t.cfg.WebsocketPath,
	}
}

// Register mounts the voice webhook, status callback and media websocket.
func (t *Transport) Register(e *echo.Echo) {
	e.POST(t.cfg.VoicePath, t.handleVoice, t.authMiddleware)
	e.POST(t.cfg.StatusCallbackPath, t.handleStatusCallback, t.authMiddleware)
	e.GET(t.cfg.WebsocketPath, t.handleStream)
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
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		t.mu.Lock()
		for _, sess := range t.sessions {
			_ = sess.close()
		}
		t.sessions = make(map[string]*session)
		t.mu.Unlock()
		close(t.recvCh)
	})
	return nil
}

func (t *Transport) handleStream(c echo.Context) error {
	if t.draining.Load() {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	conn, err := t.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		t.logger.Warn("twilio_stream_upgrade_failed", "error", err)
		return nil
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			t.handleStart(streamID, evt.Start, conn)
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = frames.SourceTransport
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaCodec] = "ulaw"
			t.emit(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
		case "mark":
			if evt.Mark == nil || streamID == "" {
				continue
			}
			t.handleMark(streamID, evt.Mark.Name)
		case "stop":
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			t.endCall(streamID, reason)
			return nil
		}
	}
	if streamID != "" && t.session(streamID) != nil {
		t.endCall(streamID, normalizeCallEndReason("transport_closed"))
	}
	return nil
}

func (t *Transport) handleStart(streamID string, start *TwilioStart, conn *websocket.Conn) {
	traceID := uuid.NewString()
	from := start.From
	if from == "" {
		from = start.CustomParameters["from"]
	}
	oldStream, oldSess := t.attach(streamID, start.CallSID, traceID, from, conn)
	if oldSess != nil {
		t.logger.Info("twilio_stream_replaced", "call_sid", start.CallSID, "old_stream_id", oldStream, "stream_id", streamID)
		_ = oldSess.close()
	}
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  start.CallSID,
		frames.MetaTraceID:  traceID,
		frames.MetaSource:   frames.SourceTransport,
	}
	if from != "" {
		meta[frames.MetaFromNumber] = from
	}
	if to := start.CustomParameters["to"]; to != "" {
		meta[frames.MetaToNumber] = to
	}
	t.logger.Info("twilio_stream_started", "stream_id", streamID, "call_sid", start.CallSID, "trace_id", traceID)
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallStart, meta))
}

func (t *Transport) handleMark(streamID, name string) {
	sess := t.session(streamID)
	if sess == nil {
		return
	}
	if !sess.ackMark(name) {
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaSource] = frames.SourceTransport
	meta[frames.MetaMarkName] = name
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemBotStoppedSpeaking, meta))
}

func (t *Transport) endCall(streamID, reason string) {
	if streamID == "" {
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaSource] = frames.SourceTransport
	meta[frames.MetaCallEnd] = reason
	t.logger.Info("twilio_stream_stopped", "stream_id", streamID, "reason", reason)
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
	t.detach(streamID)
}

func (t *Transport) Send(f frames.Frame) error {
	switch v := f.(type) {
	case frames.ControlFrame:
		streamID := v.Meta()[frames.MetaStreamID]
		switch v.Code() {
		case frames.ControlAudioReady:
			return t.sendMark(streamID)
		case frames.ControlFallback:
			if err := t.sendFallback(streamID); err != nil {
				return err
			}
			return t.sendMark(streamID)
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			return t.clearBuffer(streamID)
		}
		return nil
	case frames.AudioFrame:
		streamID := v.Meta()[frames.MetaStreamID]
		sess := t.session(streamID)
		if sess == nil {
			return nil
		}
		if sess.beginPlayback() {
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = frames.SourceTransport
			t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemBotStartedSpeaking, meta))
		}
		return t.sendMedia(sess, streamID, v.RawPayload())
	}
	return nil
}

// Dial places an outbound call that connects back to this transport.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	if from == "" {
		from = t.cfg.FromNumber
	}
	sid, err := t.dialer.Dial(ctx, to, from, url)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	t.logger.Info("twilio_outbound_call_created", "call_sid", sid, "to", to)
	return sid, nil
}

// Hangup ends a call through the REST API. Twilio then closes the media
// stream, which produces call_end.
func (t *Transport) Hangup(ctx context.Context, callSID string) error {
	if err := t.dialer.Hangup(ctx, callSID); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	t.logger.Info("twilio_call_hangup", "call_sid", callSID)
	return nil
}

// StreamForCall returns the media stream attached to a call, if any.
func (t *Transport) StreamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) handleVoice(c echo.Context) error {
	params, _ := c.Get(paramsKey).(map[string]string)
	stream := &twiml.VoiceStream{Url: t.websocketURL(c.Request())}
	custom := []twiml.Element{}
	if from := params["From"]; from != "" {
		custom = append(custom, &twiml.VoiceParameter{Name: "from", Value: from})
	}
	if to := params["To"]; to != "" {
		custom = append(custom, &twiml.VoiceParameter{Name: "to", Value: to})
	}
	stream.InnerElements = custom

	var verbs []twiml.Element
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: greeting})
	}
	verbs = append(verbs, &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
	response, err := twiml.Voice(verbs)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	t.logger.Info("twilio_voice_webhook", "call_sid", params["CallSid"])
	c.Response().Header().Set(echo.HeaderContentType, "text/xml")
	return c.String(http.StatusOK, response)
}

func (t *Transport) handleStatusCallback(c echo.Context) error {
	params, _ := c.Get(paramsKey).(map[string]string)
	callSID := params["CallSid"]
	reason := normalizeCallEndReason(params["CallStatus"])
	if reason == "" || callSID == "" {
		return c.NoContent(http.StatusOK)
	}
	if streamID := t.StreamForCall(callSID); streamID != "" {
		t.endCall(streamID, reason)
	}
	return c.NoContent(http.StatusOK)
}

// authMiddleware validates X-Twilio-Signature and exposes the form params to
// handlers under paramsKey. Validation is skipped without an auth token.
func (t *Transport) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "failed to read body")
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))

		if t.cfg.AuthToken != "" {
			signature := req.Header.Get("X-Twilio-Signature")
			validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
			if signature == "" || !validator.ValidateBody(t.requestURL(req), body, signature) {
				t.logger.Warn("twilio_invalid_signature",
					"path", req.URL.Path,
					"reason_code", string(errorsx.ReasonTransportInvalidSignature))
				return c.String(http.StatusForbidden, "invalid signature")
			}
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			return c.String(http.StatusBadRequest, "failed to parse form")
		}
		params := make(map[string]string, len(form))
		for key, values := range form {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		c.Set(paramsKey, params)
		return next(c)
	}
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return publicURL(t.cfg, t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return publicURL(t.cfg, t.cfg.StatusCallbackPath)
}

func publicURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) attach(streamID, callSID, traceID, from string, conn *websocket.Conn) (string, *session) {
	sess := newSession(conn)
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.fromNumbers, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.sessions[streamID] = sess
	t.callSIDs[streamID] = callSID
	t.traceIDs[streamID] = traceID
	if from != "" {
		t.fromNumbers[streamID] = from
	}
	t.mu.Unlock()
	go sess.loop()
	return oldStream, oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.fromNumbers, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.fromNumbers[streamID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	return meta
}

func (t *Transport) sendMedia(sess *session, streamID string, audio []byte) error {
	msg := map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	}
	return sess.enqueue(msg)
}

func (t *Transport) sendMark(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	name := sess.nextMark()
	msg := map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark": map[string]any{
			"name": name,
		},
	}
	return sess.enqueue(msg)
}

func (t *Transport) clearBuffer(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	msg := map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	}
	return sess.enqueue(msg)
}

func (t *Transport) sendFallback(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	for _, chunk := range fallbackMuLawFrames() {
		if err := t.sendMedia(sess, streamID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) emit(f frames.Frame) {
	if t.draining.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("twilio_recv_dropped", "stream_id", frames.StreamID(f), "kind", string(f.Kind()))
	}
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool

	mu       sync.Mutex
	speaking bool
	marks    map[string]struct{}
	seq      int
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
		marks:  make(map[string]struct{}),
	}
}

// beginPlayback reports whether this audio starts a new playback.
func (s *session) beginPlayback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		return false
	}
	s.speaking = true
	return true
}

func (s *session) nextMark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	name := "utt-" + strconv.Itoa(s.seq)
	s.marks[name] = struct{}{}
	return name
}

// ackMark records a mark echo. It reports true when the echo was the last
// outstanding mark, i.e. playback is finished.
func (s *session) ackMark(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.marks[name]; !ok {
		return false
	}
	delete(s.marks, name)
	if len(s.marks) > 0 {
		return false
	}
	s.speaking = false
	return true
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		if s.conn == nil {
			continue
		}
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var fallbackMuLawOnce sync.Once
var fallbackMuLaw [][]byte

func fallbackMuLawFrames() [][]byte {
	fallbackMuLawOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			fallbackMuLaw = append(fallbackMuLaw, silence[i:i+160])
		}
	})
	return fallbackMuLaw
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.Router         = (*Transport)(nil)
	_ transports.OutboundDialer = (*Transport)(nil)
	_ transports.ReadyReporter  = (*Transport)(nil)
	_ transports.Terminator     = (*Transport)(nil)
)
