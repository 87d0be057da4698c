package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscript/pkg/frames"
	"github.com/labstack/echo/v4"
)

func attachTestSession(tr *Transport, streamID, callSID string) *session {
	sess := newSession(nil)
	tr.mu.Lock()
	tr.sessions[streamID] = sess
	tr.callSIDs[streamID] = callSID
	tr.callStreams[callSID] = streamID
	tr.mu.Unlock()
	return sess
}

func nextMessage(t *testing.T, sess *session) map[string]any {
	t.Helper()
	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return payload
	default:
		t.Fatalf("expected an outbound message")
	}
	return nil
}

func nextFrame(t *testing.T, ch <-chan frames.Frame) frames.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatalf("expected inbound frame")
	}
	return nil
}

func TestSendStartInterruptionClearsBuffer(t *testing.T) {
	tr := New(Config{})
	sess := attachTestSession(tr, "stream-1", "CA1")

	cf := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{})
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}
	if evt := nextMessage(t, sess)["event"]; evt != "clear" {
		t.Fatalf("expected clear event, got %v", evt)
	}
}

func TestPlaybackMarksReportSpeaking(t *testing.T) {
	tr := New(Config{})
	sess := attachTestSession(tr, "stream-1", "CA1")

	audio := frames.NewAudioFrame("stream-1", 1, []byte{0x01, 0x02}, 8000, 1, nil)
	if err := tr.Send(audio); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := tr.Send(audio); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if !frames.IsSystem(nextFrame(t, tr.Recv()), frames.SystemBotStartedSpeaking) {
		t.Fatalf("expected bot_started_speaking")
	}
	select {
	case f := <-tr.Recv():
		t.Fatalf("second chunk must not restart playback, got %v", f)
	default:
	}
	if evt := nextMessage(t, sess)["event"]; evt != "media" {
		t.Fatalf("expected media, got %v", evt)
	}
	_ = nextMessage(t, sess)

	ready := frames.NewControlFrame("stream-1", 2, frames.ControlAudioReady, nil)
	if err := tr.Send(ready); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	msg := nextMessage(t, sess)
	if msg["event"] != "mark" {
		t.Fatalf("expected mark, got %v", msg["event"])
	}
	mark, _ := msg["mark"].(map[string]any)
	name, _ := mark["name"].(string)
	if name == "" {
		t.Fatalf("expected mark name")
	}

	tr.handleMark("stream-1", "unknown-mark")
	select {
	case f := <-tr.Recv():
		t.Fatalf("unknown mark must be ignored, got %v", f)
	default:
	}

	tr.handleMark("stream-1", name)
	stopped := nextFrame(t, tr.Recv())
	if !frames.IsSystem(stopped, frames.SystemBotStoppedSpeaking) {
		t.Fatalf("expected bot_stopped_speaking, got %v", stopped)
	}
	if stopped.Meta()[frames.MetaMarkName] != name {
		t.Fatalf("expected mark name on frame")
	}

	// The next audio is a new playback.
	_ = tr.Send(audio)
	if !frames.IsSystem(nextFrame(t, tr.Recv()), frames.SystemBotStartedSpeaking) {
		t.Fatalf("expected a new bot_started_speaking")
	}
}

func TestFallbackSendsSilenceThenMark(t *testing.T) {
	tr := New(Config{})
	sess := attachTestSession(tr, "stream-1", "CA1")

	if err := tr.Send(frames.NewControlFrame("stream-1", 1, frames.ControlFallback, nil)); err != nil {
		t.Fatalf("send fallback: %v", err)
	}
	var last map[string]any
	for range fallbackMuLawFrames() {
		last = nextMessage(t, sess)
		if last["event"] != "media" {
			t.Fatalf("expected silence media, got %v", last["event"])
		}
	}
	if evt := nextMessage(t, sess)["event"]; evt != "mark" {
		t.Fatalf("expected trailing mark, got %v", evt)
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg)
	e := echo.New()
	tr.Register(e)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "<Connect>") || !strings.Contains(out, "wss://example.com/twilio/stream") {
		t.Fatalf("expected connect stream TwiML, got %s", out)
	}
	if !strings.Contains(out, "+123") {
		t.Fatalf("expected caller number as stream parameter, got %s", out)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	reqInvalid.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	e.ServeHTTP(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleStatusCallbackMapping(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg)
	e := echo.New()
	tr.Register(e)
	streamID := "stream-1"
	callSID := "CA123"
	attachTestSession(tr, streamID, callSID)

	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "completed")

	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	params := map[string]string{"CallSid": callSID, "CallStatus": "completed"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	frame := nextFrame(t, tr.Recv())
	if !frames.IsSystem(frame, frames.SystemCallEnd) {
		t.Fatalf("expected call_end, got %v", frame)
	}
	meta := frame.Meta()
	if meta[frames.MetaCallEnd] != "completed" {
		t.Fatalf("expected call_end_reason completed, got %q", meta[frames.MetaCallEnd])
	}
	if meta[frames.MetaCallSID] != callSID {
		t.Fatalf("expected call_sid %q, got %q", callSID, meta[frames.MetaCallSID])
	}
	if tr.StreamForCall(callSID) != "" {
		t.Fatalf("expected stream detached")
	}
}

func TestMediaStreamRoundTrip(t *testing.T) {
	tr := New(Config{})
	e := echo.New()
	tr.Register(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/twilio/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	write := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1", "customParameters": map[string]string{"from": "+15550001"}},
	})
	start := nextFrame(t, tr.Recv())
	if !frames.IsSystem(start, frames.SystemCallStart) {
		t.Fatalf("expected call_start, got %v", start)
	}
	if start.Meta()[frames.MetaFromNumber] != "+15550001" || start.Meta()[frames.MetaTraceID] == "" {
		t.Fatalf("unexpected start meta %v", start.Meta())
	}

	write(map[string]any{"event": "media", "media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F})}})
	audio, ok := nextFrame(t, tr.Recv()).(frames.AudioFrame)
	if !ok || len(audio.Data()) != 2 || audio.Rate() != 8000 {
		t.Fatalf("expected inbound audio frame")
	}

	if err := tr.Send(frames.NewControlFrame("MZ1", 1, frames.ControlAudioReady, nil)); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var out TwilioEvent
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read mark: %v", err)
	}
	if out.Event != "mark" || out.Mark == nil {
		t.Fatalf("expected mark, got %+v", out)
	}
	write(map[string]any{"event": "mark", "streamSid": "MZ1", "mark": map[string]any{"name": out.Mark.Name}})
	if !frames.IsSystem(nextFrame(t, tr.Recv()), frames.SystemBotStoppedSpeaking) {
		t.Fatalf("expected bot_stopped_speaking from mark echo")
	}

	write(map[string]any{"event": "stop"})
	end := nextFrame(t, tr.Recv())
	if !frames.IsSystem(end, frames.SystemCallEnd) || end.Meta()[frames.MetaCallEnd] != "completed" {
		t.Fatalf("expected completed call_end, got %v", end)
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"in-progress":      "",
		"completed":        "completed",
		"no-answer":        "no_answer",
		"transport_closed": "failed",
		"weird":            "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
