package capability

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/twiliorelay"
)

// DefaultTimeout bounds a single network delivery attempt.
const DefaultTimeout = 10 * time.Second

// Builder constructs a capability from a decoded configuration.
type Builder func(cfg Config) (Capability, error)

// RelayFactory builds a sender for an outbound relay configuration.
type RelayFactory func(cfg OutboundRelayConfig) (MessageSender, error)

// Opts configures a Factory.
type Opts struct {
	PeerSender   MessageSender
	HTTPClient   *http.Client
	RelayFactory RelayFactory
	SMTPDialer   Dialer
	Builders     map[Type]Builder
}

// Option customizes Factory construction.
type Option func(*Opts)

// WithPeerSender sets the sender used by peer-channel capabilities.
func WithPeerSender(s MessageSender) Option {
	return func(o *Opts) {
		o.PeerSender = s
	}
}

// WithHTTPClient sets the client used by chat-bot and http-relay capabilities.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithRelayFactory overrides how outbound relay senders are created.
func WithRelayFactory(f RelayFactory) Option {
	return func(o *Opts) {
		o.RelayFactory = f
	}
}

// WithSMTPDialer sets the dialer used by mail-relay capabilities.
func WithSMTPDialer(d Dialer) Option {
	return func(o *Opts) {
		o.SMTPDialer = d
	}
}

// WithBuilder replaces the builder for one capability type.
func WithBuilder(t Type, b Builder) Option {
	return func(o *Opts) {
		if o.Builders == nil {
			o.Builders = make(map[Type]Builder)
		}
		o.Builders[t] = b
	}
}

// Factory turns descriptors into live capabilities.
type Factory struct {
	opts Opts
}

// NewFactory creates a Factory with production defaults for anything not overridden.
func NewFactory(opts ...Option) *Factory {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.SMTPDialer == nil {
		cfg.SMTPDialer = &net.Dialer{Timeout: DefaultTimeout}
	}
	if cfg.RelayFactory == nil {
		cfg.RelayFactory = twilioRelay
	}
	slog.Debug("capability.NewFactory: configured", "peer_sender_set", cfg.PeerSender != nil, "overrides", len(cfg.Builders))
	return &Factory{opts: cfg}
}

func twilioRelay(cfg OutboundRelayConfig) (MessageSender, error) {
	return twiliorelay.NewClient(
		twiliorelay.WithAccountSID(cfg.AccountSID),
		twiliorelay.WithAuthToken(cfg.AuthToken),
		twiliorelay.WithFrom(cfg.From),
		twiliorelay.WithChannel(cfg.Channel),
	)
}

// Build validates the descriptor and constructs its capability. Failures are permanent:
// ErrUnknownCapability for unknown tags and *ConfigError for everything else.
func (f *Factory) Build(d Descriptor) (Capability, error) {
	cfg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if b, ok := f.opts.Builders[d.Type]; ok {
		c, err := b(cfg)
		if err != nil {
			return nil, &ConfigError{Type: d.Type, Err: err}
		}
		return c, nil
	}

	switch c := cfg.(type) {
	case PeerChannelConfig:
		if f.opts.PeerSender == nil {
			return nil, &ConfigError{Type: d.Type, Err: fmt.Errorf("no WhatsApp device is linked")}
		}
		return &peerChannel{cfg: c, sender: f.opts.PeerSender}, nil
	case ChatBotConfig:
		return newChatBot(c, f.opts.HTTPClient), nil
	case OutboundRelayConfig:
		sender, err := f.opts.RelayFactory(c)
		if err != nil {
			return nil, &ConfigError{Type: d.Type, Err: err}
		}
		return &outboundRelay{cfg: c, sender: sender, classify: twiliorelay.IsClientError}, nil
	case MailRelayConfig:
		return newMailRelay(c, f.opts.SMTPDialer), nil
	case HTTPRelayConfig:
		return newHTTPRelay(c, f.opts.HTTPClient), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, d.Type)
}
