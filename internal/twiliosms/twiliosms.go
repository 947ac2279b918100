// Package twiliosms wraps the Twilio API for the text messages and automated
// calls sent to referrals.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends text messages and places calls. Both return the Twilio SID,
// which correlates later status callbacks with the attempt.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
	PlaceCall(ctx context.Context, to string) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	CallbackURL string // status callback for messages and calls
	CallFlowURL string // TwiML the chatbot call runs
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the E.164 number messages and calls come from.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithCallbackURL sets where Twilio posts delivery and call status updates.
func WithCallbackURL(url string) Option {
	return func(o *Opts) { o.CallbackURL = url }
}

// WithCallFlowURL sets the TwiML URL that drives the chatbot call.
func WithCallFlowURL(url string) Option {
	return func(o *Opts) { o.CallFlowURL = url }
}

// Client wraps the Twilio REST API.
type Client struct {
	client      *twilio.RestClient
	from        string
	callbackURL string
	callFlowURL string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"CallbackURL", cfg.CallbackURL)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &Client{
		client:      client,
		from:        cfg.FromNumber,
		callbackURL: cfg.CallbackURL,
		callFlowURL: cfg.CallFlowURL,
	}, nil
}

// SendSMS sends a text message and returns its message SID.
func (c *Client) SendSMS(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)
	if c.callbackURL != "" {
		params.SetStatusCallback(c.callbackURL)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// PlaceCall starts a chatbot call with answering machine detection and
// returns its call SID.
func (c *Client) PlaceCall(ctx context.Context, to string) (string, error) {
	if c.callFlowURL == "" {
		return "", fmt.Errorf("call flow URL must be configured to place calls")
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(c.callFlowURL)
	params.SetMachineDetection("Enable")
	if c.callbackURL != "" {
		params.SetStatusCallback(c.callbackURL)
		params.SetStatusCallbackEvent([]string{"completed"})
	}

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("Twilio PlaceCall failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to call %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio call placed", "to", to, "sid", sid)
	return sid, nil
}
