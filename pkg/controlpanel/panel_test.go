package controlpanel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/harunnryd/callscript/pkg/callscript"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/pipeline"
)

type fakeEngine struct {
	calls    map[string]callscript.CallSnapshot
	started  []callscript.StartRequest
	injected map[string]string
	said     map[string]string
	ended    []string
	startErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		calls: map[string]callscript.CallSnapshot{
			"s1": {ID: "s1", CallSID: "CA1", State: "gatekeeper_open", Started: time.Unix(100, 0)},
		},
		injected: map[string]string{},
		said:     map[string]string{},
	}
}

func (f *fakeEngine) Script() callscript.ScriptInfo {
	return callscript.ScriptInfo{Name: "gatekeeper", InitialState: "gatekeeper_open"}
}

func (f *fakeEngine) StartConversation(_ context.Context, req callscript.StartRequest) (callscript.StartResult, error) {
	if f.startErr != nil {
		return callscript.StartResult{}, f.startErr
	}
	f.started = append(f.started, req)
	return callscript.StartResult{ID: "s2", Transport: "local"}, nil
}

func (f *fakeEngine) Conversations() []callscript.CallSnapshot {
	out := make([]callscript.CallSnapshot, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c)
	}
	return out
}

func (f *fakeEngine) Conversation(id string) (callscript.CallSnapshot, error) {
	c, ok := f.calls[id]
	if !ok {
		return c, callscript.ErrNotFound
	}
	return c, nil
}

func (f *fakeEngine) Inject(id, text string) error {
	if _, ok := f.calls[id]; !ok {
		return callscript.ErrNotFound
	}
	f.injected[id] = text
	return nil
}

func (f *fakeEngine) Say(id, text string) error {
	if _, ok := f.calls[id]; !ok {
		return callscript.ErrNotFound
	}
	f.said[id] = text
	return nil
}

func (f *fakeEngine) EndConversation(_ context.Context, id string) error {
	if _, ok := f.calls[id]; !ok {
		return callscript.ErrNotFound
	}
	f.ended = append(f.ended, id)
	return nil
}

func newServer(t *testing.T, eng Engine) *echo.Echo {
	t.Helper()
	e := echo.New()
	New(eng, logging.Discard()).Register(e)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := do(newServer(t, newFakeEngine()), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", w.Code, w.Body.String())
	}
}

func TestStartConversation(t *testing.T) {
	eng := newFakeEngine()
	w := do(newServer(t, eng), http.MethodPost, "/api/conversations", `{"to":"+15550001111"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res callscript.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != "s2" || len(eng.started) != 1 || eng.started[0].To != "+15550001111" {
		t.Fatalf("unexpected start: %+v %+v", res, eng.started)
	}
}

func TestStartConversationWithoutBody(t *testing.T) {
	eng := newFakeEngine()
	w := do(newServer(t, eng), http.MethodPost, "/api/conversations", "")
	if w.Code != http.StatusCreated || len(eng.started) != 1 {
		t.Fatalf("expected start without body, got %d", w.Code)
	}
}

func TestStartConversationErrors(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = errors.Join(callscript.ErrInvalid, errors.New("to is required"))
	if w := do(newServer(t, eng), http.MethodPost, "/api/conversations", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	eng.startErr = callscript.ErrUnsupported
	if w := do(newServer(t, eng), http.MethodPost, "/api/conversations", `{}`); w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
	eng.startErr = pipeline.ErrDraining
	if w := do(newServer(t, eng), http.MethodPost, "/api/conversations", `{}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", w.Code)
	}
	eng.startErr = errors.New("twilio down")
	if w := do(newServer(t, eng), http.MethodPost, "/api/conversations", `{}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestGetConversation(t *testing.T) {
	e := newServer(t, newFakeEngine())
	w := do(e, http.MethodGet, "/api/conversations/s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap callscript.CallSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != "gatekeeper_open" || snap.CallSID != "CA1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if w := do(e, http.MethodGet, "/api/conversations/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListAndScript(t *testing.T) {
	e := newServer(t, newFakeEngine())
	w := do(e, http.MethodGet, "/api/conversations", "")
	var list []callscript.CallSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected list: %s (%v)", w.Body.String(), err)
	}
	w = do(e, http.MethodGet, "/api/script", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"gatekeeper"`) {
		t.Fatalf("unexpected script response: %s", w.Body.String())
	}
}

func TestInjectAndSay(t *testing.T) {
	eng := newFakeEngine()
	e := newServer(t, eng)

	if w := do(e, http.MethodPost, "/api/conversations/s1/utterances", `{"text":"who is calling?"}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if eng.injected["s1"] != "who is calling?" {
		t.Fatalf("expected injected text, got %v", eng.injected)
	}
	if w := do(e, http.MethodPost, "/api/conversations/s1/say", `{"text":"one moment"}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if eng.said["s1"] != "one moment" {
		t.Fatalf("expected operator text, got %v", eng.said)
	}
	if w := do(e, http.MethodPost, "/api/conversations/s1/utterances", `{"text":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", w.Code)
	}
	if w := do(e, http.MethodPost, "/api/conversations/nope/utterances", `{"text":"hi"}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestEndConversation(t *testing.T) {
	eng := newFakeEngine()
	e := newServer(t, eng)
	if w := do(e, http.MethodDelete, "/api/conversations/s1", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(eng.ended) != 1 || eng.ended[0] != "s1" {
		t.Fatalf("expected s1 ended, got %v", eng.ended)
	}
	if w := do(e, http.MethodDelete, "/api/conversations/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
