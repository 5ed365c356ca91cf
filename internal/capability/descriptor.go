package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Descriptor is the serializable (type tag, configuration) pair from which a live
// capability is built.
type Descriptor struct {
	Type   Type              `json:"type" yaml:"type"`
	Config map[string]string `json:"config" yaml:"config"`
}

// Config is the typed, validated configuration of one capability variant.
type Config interface {
	CapabilityType() Type
}

// PeerChannelConfig configures TypePeerChannel.
type PeerChannelConfig struct {
	Recipient string
}

// ChatBotConfig configures TypeChatBot.
type ChatBotConfig struct {
	Token   string
	ChatID  string
	APIBase string
}

// OutboundRelayConfig configures TypeOutboundRelay.
type OutboundRelayConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
	Channel    string // "sms" or "whatsapp"
}

// MailRelayConfig configures TypeMailRelay.
type MailRelayConfig struct {
	Host          string
	Port          int
	From          string
	To            []string
	Username      string
	Password      string
	SubjectPrefix string
}

// HTTPRelayConfig configures TypeHTTPRelay.
type HTTPRelayConfig struct {
	URL    string
	Secret string
	Method string
}

func (PeerChannelConfig) CapabilityType() Type   { return TypePeerChannel }
func (ChatBotConfig) CapabilityType() Type       { return TypeChatBot }
func (OutboundRelayConfig) CapabilityType() Type { return TypeOutboundRelay }
func (MailRelayConfig) CapabilityType() Type     { return TypeMailRelay }
func (HTTPRelayConfig) CapabilityType() Type     { return TypeHTTPRelay }

// Default values applied during Decode.
const (
	DefaultChatBotAPIBase = "https://api.telegram.org"
	DefaultRelayChannel   = "sms"
	DefaultHTTPMethod     = "POST"
)

// ParseDescriptor rebuilds a descriptor from its stored type tag and JSON configuration.
// Malformed JSON yields a *ConfigError.
func ParseDescriptor(capType, configJSON string) (Descriptor, error) {
	d := Descriptor{Type: Type(capType), Config: map[string]string{}}
	if strings.TrimSpace(configJSON) == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(configJSON), &d.Config); err != nil {
		return d, &ConfigError{Type: d.Type, Err: fmt.Errorf("malformed stored configuration: %w", err)}
	}
	return d, nil
}

// MarshalConfig serializes the configuration as a flat JSON object with sorted keys.
func (d Descriptor) MarshalConfig() (string, error) {
	cfg := d.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal %s configuration: %w", d.Type, err)
	}
	return string(data), nil
}

// String returns a log-safe description that never includes configuration values.
func (d Descriptor) String() string {
	keys := make([]string, 0, len(d.Config))
	for k := range d.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s{%s}", d.Type, strings.Join(keys, ","))
}

// Decode validates the descriptor against its variant schema and converts it into the
// variant's typed configuration. Unknown types return ErrUnknownCapability; invalid
// configurations return a *ConfigError.
func (d Descriptor) Decode() (Config, error) {
	if !IsValidType(d.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, d.Type)
	}
	if err := validateConfig(d.Type, d.Config); err != nil {
		return nil, &ConfigError{Type: d.Type, Err: err}
	}

	c := d.Config
	switch d.Type {
	case TypePeerChannel:
		return PeerChannelConfig{Recipient: strings.TrimSpace(c["recipient"])}, nil
	case TypeChatBot:
		base := strings.TrimRight(strings.TrimSpace(c["api_base"]), "/")
		if base == "" {
			base = DefaultChatBotAPIBase
		}
		return ChatBotConfig{Token: c["token"], ChatID: c["chat_id"], APIBase: base}, nil
	case TypeOutboundRelay:
		channel := strings.ToLower(strings.TrimSpace(c["channel"]))
		if channel == "" {
			channel = DefaultRelayChannel
		}
		return OutboundRelayConfig{
			AccountSID: c["account_sid"],
			AuthToken:  c["auth_token"],
			From:       strings.TrimSpace(c["from"]),
			To:         strings.TrimSpace(c["to"]),
			Channel:    channel,
		}, nil
	case TypeMailRelay:
		port, err := strconv.Atoi(c["port"])
		if err != nil || port <= 0 || port > 65535 {
			return nil, &ConfigError{Type: d.Type, Err: fmt.Errorf("invalid port %q", c["port"])}
		}
		var to []string
		for _, addr := range strings.Split(c["to"], ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		if len(to) == 0 {
			return nil, &ConfigError{Type: d.Type, Err: fmt.Errorf("no recipients in %q", c["to"])}
		}
		return MailRelayConfig{
			Host:          strings.TrimSpace(c["host"]),
			Port:          port,
			From:          strings.TrimSpace(c["from"]),
			To:            to,
			Username:      c["username"],
			Password:      c["password"],
			SubjectPrefix: c["subject_prefix"],
		}, nil
	case TypeHTTPRelay:
		method := strings.ToUpper(strings.TrimSpace(c["method"]))
		if method == "" {
			method = DefaultHTTPMethod
		}
		return HTTPRelayConfig{URL: strings.TrimSpace(c["url"]), Secret: c["secret"], Method: method}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, d.Type)
}
