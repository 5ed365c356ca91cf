package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ForwardPipe/internal/models"
	"go.mau.fi/whatsmeow/types/events"
)

// EventRegistrar is the part of the WhatsApp client that delivers events.
type EventRegistrar interface {
	AddEventHandler(handler func(evt interface{})) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppSource receives text messages on the linked WhatsApp device.
type WhatsAppSource struct {
	client EventRegistrar
	inbox  *inbox

	mu        sync.Mutex
	handlerID uint32
	started   bool
}

// NewWhatsAppSource creates a WhatsAppSource on the given client.
func NewWhatsAppSource(client EventRegistrar) *WhatsAppSource {
	return &WhatsAppSource{client: client, inbox: newInbox(models.SourceWhatsApp)}
}

// Name returns models.SourceWhatsApp.
func (s *WhatsAppSource) Name() models.MessageSource { return models.SourceWhatsApp }

// Start registers the event handler. Calling it twice is a no-op.
func (s *WhatsAppSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.handlerID = s.client.AddEventHandler(s.handleEvent)
	s.started = true
	slog.Debug("WhatsAppSource.Start: event handler registered", "handler_id", s.handlerID)
	return nil
}

// Stop unregisters the event handler and closes the Inbound channel.
func (s *WhatsAppSource) Stop() error {
	s.mu.Lock()
	if s.started {
		s.client.RemoveEventHandler(s.handlerID)
		s.started = false
	}
	s.mu.Unlock()
	s.inbox.close()
	slog.Info("WhatsAppSource.Stop: stopped")
	return nil
}

// Inbound returns the channel of received messages.
func (s *WhatsAppSource) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

func (s *WhatsAppSource) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	inbound, ok := inboundFromEvent(msg)
	if !ok {
		return
	}
	_ = s.inbox.emit(inbound)
}

// inboundFromEvent extracts a forwardable text message. Own messages, group chats and
// non-text messages are skipped.
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundMessage{}, false
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}

	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppSource.handleEvent: ignoring non-text message", "from", evt.Info.Sender.String())
		return models.InboundMessage{}, false
	}

	return models.InboundMessage{
		ID:        string(evt.Info.ID),
		Source:    models.SourceWhatsApp,
		Origin:    "+" + evt.Info.Sender.User,
		Content:   text,
		Timestamp: evt.Info.Timestamp,
	}, true
}
