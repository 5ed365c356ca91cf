package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/models"
	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without replying to the sender.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioSource receives SMS and WhatsApp messages through Twilio's inbound webhook.
type TwilioSource struct {
	inbox     *inbox
	validator *twilioclient.RequestValidator
	publicURL string
}

// TwilioOption customizes a TwilioSource.
type TwilioOption func(*TwilioSource)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature does not
// match authToken. publicURL is the webhook URL as configured in the Twilio console;
// when empty it is reconstructed from the request.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioSource) {
		if authToken == "" {
			return
		}
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
		s.publicURL = publicURL
	}
}

// NewTwilioSource creates a TwilioSource.
func NewTwilioSource(opts ...TwilioOption) *TwilioSource {
	s := &TwilioSource{inbox: newInbox(models.SourceTwilio)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns models.SourceTwilio.
func (s *TwilioSource) Name() models.MessageSource { return models.SourceTwilio }

// Start is a no-op; messages arrive through WebhookHandler.
func (s *TwilioSource) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Inbound channel.
func (s *TwilioSource) Stop() error {
	s.inbox.close()
	return nil
}

// Inbound returns the channel of received messages.
func (s *TwilioSource) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

// WebhookHandler handles Twilio's inbound message webhook (form fields From, Body and
// MessageSid).
func (s *TwilioSource) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioSource.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL(r), params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("TwilioSource.WebhookHandler: signature mismatch", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := strings.TrimPrefix(r.PostForm.Get("From"), "whatsapp:")
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	if from == "" || body == "" {
		slog.Warn("TwilioSource.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{ID: sid, Source: models.SourceTwilio, Origin: from, Content: body, Timestamp: time.Now()}
	if err := s.inbox.emit(msg); err != nil {
		// Twilio retries on 5xx, and the message id keeps the retry from duplicating.
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	slog.Info("TwilioSource.WebhookHandler: inbound message accepted", "from", from, "message_sid", sid)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

func (s *TwilioSource) webhookURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
