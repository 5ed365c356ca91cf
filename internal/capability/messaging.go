package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MessageSender sends a text body to a recipient. Both the WhatsApp client and the
// Twilio relay client satisfy it.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// peerChannel forwards through the shared WhatsApp device.
type peerChannel struct {
	cfg    PeerChannelConfig
	sender MessageSender
}

func (p *peerChannel) Type() Type { return TypePeerChannel }

func (p *peerChannel) Deliver(ctx context.Context, origin, content string, timestamp time.Time) error {
	if err := p.sender.SendMessage(ctx, p.cfg.Recipient, FormatMessage(origin, content, timestamp)); err != nil {
		return fmt.Errorf("peer channel: %w", err)
	}
	slog.Debug("peerChannel.Deliver: delivered", "recipient", p.cfg.Recipient)
	return nil
}

// outboundRelay forwards through the Twilio messaging API.
type outboundRelay struct {
	cfg      OutboundRelayConfig
	sender   MessageSender
	classify func(error) bool
}

func (o *outboundRelay) Type() Type { return TypeOutboundRelay }

func (o *outboundRelay) Deliver(ctx context.Context, origin, content string, timestamp time.Time) error {
	err := o.sender.SendMessage(ctx, o.cfg.To, FormatMessage(origin, content, timestamp))
	if err != nil {
		err = fmt.Errorf("outbound relay: %w", err)
		if o.classify != nil && o.classify(err) {
			return Permanent(err)
		}
		return err
	}
	slog.Debug("outboundRelay.Deliver: delivered", "to", o.cfg.To, "channel", o.cfg.Channel)
	return nil
}
