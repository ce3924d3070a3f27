package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/LeventeLantos/guest-messaging/internal/retry"
)

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
	StatusCallbackURL   string
	RatePerSecond       float64
	Concurrency         int
}

type Twilio struct {
	api   messageCreator
	cfg   TwilioConfig
	pacer pacer
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilio(rc.Api, cfg)
}

func newTwilio(api messageCreator, cfg TwilioConfig) *Twilio {
	return &Twilio{
		api:   api,
		cfg:   cfg,
		pacer: newPacer(cfg.RatePerSecond, cfg.Concurrency),
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) SendBulk(ctx context.Context, msgs []Outbound) (BulkResult, error) {
	return t.pacer.sendEach(ctx, t.Name(), msgs, t.send)
}

func (t *Twilio) send(ctx context.Context, m Outbound) SendResult {
	if err := ctx.Err(); err != nil {
		return SendResult{Err: err}
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(m.To)
	params.SetBody(m.Body)
	if t.cfg.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(t.cfg.MessagingServiceSID)
	} else {
		params.SetFrom(t.cfg.FromNumber)
	}
	if t.cfg.StatusCallbackURL != "" {
		params.SetStatusCallback(t.cfg.StatusCallbackURL)
	}

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return SendResult{Err: describeTwilioError(err)}
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return SendResult{Err: errors.New("twilio: missing message sid in response")}
	}
	return SendResult{ProviderID: *resp.Sid}
}

// describeTwilioError keeps the HTTP status so the sms retry classifier can
// tell throttling and outages from rejections.
func describeTwilioError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &retry.StatusError{
			Status: restErr.Status,
			Err:    fmt.Errorf("twilio status %d code %d: %s", restErr.Status, restErr.Code, restErr.Message),
		}
	}
	return fmt.Errorf("twilio: %w", err)
}
