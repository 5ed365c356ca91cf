// Package twiliorelay wraps the Twilio messaging API used by the outbound relay capability.
package twiliorelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Channel prefixes understood by Twilio.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Sender is the subset of the client used by ForwardPipe.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio relay client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	Channel    string
}

// Option defines a configuration option for the Twilio relay client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sender number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithChannel selects "sms" (default) or "whatsapp" addressing.
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

// Client wraps the Twilio REST API.
type Client struct {
	client  *twilio.RestClient
	from    string
	channel string
}

// NewClient creates a Twilio relay client. Credentials missing from options fall back
// to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
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
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelSMS
	}
	slog.Debug("Twilio relay client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"channel", cfg.Channel)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.Channel != ChannelSMS && cfg.Channel != ChannelWhatsApp {
		return nil, fmt.Errorf("unsupported channel %q", cfg.Channel)
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: cfg.From, channel: cfg.Channel}, nil
}

// Address applies the channel prefix Twilio expects.
func Address(channel, number string) string {
	if channel == ChannelWhatsApp && !strings.HasPrefix(number, "whatsapp:") {
		return "whatsapp:" + number
	}
	return number
}

// SendMessage sends body to the recipient through the configured channel.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(c.channel, to))
	params.SetFrom(Address(c.channel, c.from))
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "channel", c.channel, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Twilio message accepted", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// IsClientError reports whether err is a Twilio REST error with a 4xx status other
// than 429. Such requests will fail the same way on retry.
func IsClientError(err error) bool {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Status >= 400 && restErr.Status < 500 && restErr.Status != 429
}

// MockClient records sends instead of calling Twilio. Errs, when non-empty, is
// consumed one entry per call before sends start succeeding.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Errs         []error
}

// SentMessage is one recorded send.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage records the message or returns the next queued error.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		if err != nil {
			return err
		}
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
