package twilio

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places and ends calls through the Twilio REST API.
type Dialer struct {
	cfg     Config
	client  callCreator
	updater callUpdater
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call using Twilio. An empty url points the call at
// this service's voice webhook, which connects the media stream.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = publicURL(d.cfg, d.cfg.VoicePath)
	}
	client := d.client
	if client == nil {
		client = d.rest().Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(publicURL(d.cfg, d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

// Hangup completes a live call.
func (d *Dialer) Hangup(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if callSID == "" {
		return errors.New("call sid required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := d.updater
	if updater == nil {
		updater = d.rest().Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (d *Dialer) rest() *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
}
