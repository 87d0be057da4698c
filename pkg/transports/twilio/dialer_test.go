package twilio

import (
	"context"
	"errors"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDialUsesDefaults(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	cfg := Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://example.com",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected From param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://example.com/twilio/voice" {
		t.Fatalf("expected voice webhook url, got %v", stub.last.Url)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://example.com/twilio/status" {
		t.Fatalf("expected status callback url, got %v", stub.last.StatusCallback)
	}
}

func TestDialerDialUsesOverrideURL(t *testing.T) {
	stub := &stubCreator{sid: "CA999"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token"}
	d := NewDialer(cfg)
	d.client = stub

	override := "https://override.example.com/voice"
	_, err := d.Dial(context.Background(), "+100", "+200", override)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.Url == nil || *stub.last.Url != override {
		t.Fatalf("expected override url")
	}
}

func TestDialerRejectsMissingParams(t *testing.T) {
	d := NewDialer(Config{})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "+100", "+200", ""); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	d = NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "", "+200", ""); err == nil {
		t.Fatalf("expected missing to error")
	}
}

func TestDialerPropagatesCreateError(t *testing.T) {
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = &stubCreator{err: errors.New("boom")}
	if _, err := d.Dial(context.Background(), "+100", "+200", ""); err == nil {
		t.Fatalf("expected create error")
	}
}

type stubUpdater struct {
	sid    string
	status string
	err    error
}

func (s *stubUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.sid = sid
	if params.Status != nil {
		s.status = *params.Status
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &sid}, nil
}

func TestDialerHangupCompletesCall(t *testing.T) {
	stub := &stubUpdater{}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.updater = stub

	if err := d.Hangup(context.Background(), "CA9"); err != nil {
		t.Fatalf("hangup error: %v", err)
	}
	if stub.sid != "CA9" || stub.status != "completed" {
		t.Fatalf("unexpected update sid=%q status=%q", stub.sid, stub.status)
	}
	if err := d.Hangup(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty call sid")
	}

	stub.err = errors.New("boom")
	if err := d.Hangup(context.Background(), "CA9"); err == nil {
		t.Fatalf("expected update error")
	}
}
