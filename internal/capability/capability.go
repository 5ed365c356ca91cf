// Package capability defines the delivery capabilities ForwardPipe can forward messages to.
//
// A capability is an opaque channel that attempts to deliver one message and reports
// success or failure. Capabilities are described by a Descriptor (type tag plus a flat
// string configuration) so they can be rebuilt from persisted data after a restart.
package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type is the tag selecting which capability variant to build.
type Type string

const (
	// TypePeerChannel forwards to a WhatsApp recipient through the linked device.
	TypePeerChannel Type = "peer-channel"
	// TypeChatBot forwards to a chat through a bot HTTP API.
	TypeChatBot Type = "chat-bot"
	// TypeOutboundRelay forwards through the Twilio messaging API.
	TypeOutboundRelay Type = "outbound-relay"
	// TypeMailRelay forwards by mail through an SMTP relay.
	TypeMailRelay Type = "mail-relay"
	// TypeHTTPRelay posts the message as JSON to an arbitrary endpoint.
	TypeHTTPRelay Type = "http-relay"
)

// Types lists every known capability type.
var Types = []Type{TypePeerChannel, TypeChatBot, TypeOutboundRelay, TypeMailRelay, TypeHTTPRelay}

// IsValidType reports whether t names a known capability variant.
func IsValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Capability delivers a single message to one target.
type Capability interface {
	// Type returns the capability's type tag.
	Type() Type
	// Deliver attempts one delivery. A nil error means the target accepted the message.
	Deliver(ctx context.Context, origin, content string, timestamp time.Time) error
}

// Func adapts a function to the Capability interface.
type Func struct {
	Kind Type
	Fn   func(ctx context.Context, origin, content string, timestamp time.Time) error
}

// Type returns the configured type tag.
func (f Func) Type() Type { return f.Kind }

// Deliver calls the wrapped function.
func (f Func) Deliver(ctx context.Context, origin, content string, timestamp time.Time) error {
	return f.Fn(ctx, origin, content, timestamp)
}

// ErrUnknownCapability is returned when a descriptor names no known capability type.
var ErrUnknownCapability = errors.New("unknown capability type")

// ConfigError reports a descriptor whose configuration is malformed or fails validation.
// Retrying cannot fix it.
type ConfigError struct {
	Type Type
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %v", e.Type, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a failure that a retry cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is a permanent failure: an unknown type, an invalid
// configuration, or an error wrapped with Permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownCapability) {
		return true
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return true
	}
	var permErr *permanentError
	return errors.As(err, &permErr)
}

// FormatMessage renders the forwarded text shared by the text-based capabilities.
func FormatMessage(origin, content string, timestamp time.Time) string {
	var b strings.Builder
	b.WriteString("From: ")
	b.WriteString(origin)
	b.WriteString("\n")
	b.WriteString(content)
	if !timestamp.IsZero() {
		b.WriteString("\n(")
		b.WriteString(timestamp.Local().Format("2006-01-02 15:04:05"))
		b.WriteString(")")
	}
	return b.String()
}
