package capability

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/twiliorelay"
	"github.com/BTreeMap/ForwardPipe/internal/whatsapp"
	twilioclient "github.com/twilio/twilio-go/client"
)

var testTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestFactoryBuildsEveryType(t *testing.T) {
	f := NewFactory(
		WithPeerSender(whatsapp.NewMockClient()),
		WithRelayFactory(func(OutboundRelayConfig) (MessageSender, error) { return twiliorelay.NewMockClient(), nil }),
	)
	for typ, d := range validDescriptors() {
		c, err := f.Build(d)
		if err != nil {
			t.Fatalf("Build(%s) returned error: %v", typ, err)
		}
		if c.Type() != typ {
			t.Errorf("Build(%s) returned %s capability", typ, c.Type())
		}
	}
}

func TestFactoryPeerChannelWithoutDevice(t *testing.T) {
	_, err := NewFactory().Build(validDescriptors()[TypePeerChannel])
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError without a peer sender, got %v", err)
	}
}

func TestFactoryRelayFactoryError(t *testing.T) {
	f := NewFactory(WithRelayFactory(func(OutboundRelayConfig) (MessageSender, error) {
		return nil, errors.New("bad credentials")
	}))
	_, err := f.Build(validDescriptors()[TypeOutboundRelay])
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestFactoryWithBuilderOverride(t *testing.T) {
	want := Func{Kind: TypeMailRelay, Fn: func(context.Context, string, string, time.Time) error { return nil }}
	var seen Config
	f := NewFactory(WithBuilder(TypeMailRelay, func(cfg Config) (Capability, error) {
		seen = cfg
		return want, nil
	}))
	c, err := f.Build(validDescriptors()[TypeMailRelay])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Type() != TypeMailRelay {
		t.Errorf("unexpected capability type %s", c.Type())
	}
	if _, ok := seen.(MailRelayConfig); !ok {
		t.Errorf("builder received %T, want MailRelayConfig", seen)
	}

	// Overrides still see validation failures first.
	_, err = f.Build(Descriptor{Type: TypeMailRelay, Config: map[string]string{}})
	if !IsPermanent(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPeerChannelDeliver(t *testing.T) {
	sender := whatsapp.NewMockClient()
	f := NewFactory(WithPeerSender(sender))
	c, err := f.Build(validDescriptors()[TypePeerChannel])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Deliver(context.Background(), "+15550001111", "hi there", testTime); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "+15551234567" || !strings.Contains(sent[0].Body, "hi there") {
		t.Errorf("unexpected sends: %+v", sent)
	}
}

func TestOutboundRelayClassifiesClientErrors(t *testing.T) {
	sender := twiliorelay.NewMockClient()
	sender.Errs = []error{
		&twilioclient.TwilioRestError{Status: 400, Message: "invalid To"},
		&twilioclient.TwilioRestError{Status: 503, Message: "unavailable"},
	}
	f := NewFactory(WithRelayFactory(func(OutboundRelayConfig) (MessageSender, error) { return sender, nil }))
	c, err := f.Build(validDescriptors()[TypeOutboundRelay])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Deliver(context.Background(), "o", "c", testTime); !IsPermanent(err) {
		t.Errorf("400 from Twilio should be permanent, got %v", err)
	}
	if err := c.Deliver(context.Background(), "o", "c", testTime); err == nil || IsPermanent(err) {
		t.Errorf("503 from Twilio should be transient, got %v", err)
	}
	if err := c.Deliver(context.Background(), "o", "c", testTime); err != nil {
		t.Errorf("third delivery should succeed, got %v", err)
	}
}

func TestHTTPRelayDeliver(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	relay := newHTTPRelay(HTTPRelayConfig{URL: srv.URL, Secret: "s3cret", Method: http.MethodPost}, srv.Client())
	if err := relay.Deliver(context.Background(), "+1555", "hello", testTime); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}

	var payload httpRelayPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("invalid JSON payload: %v", err)
	}
	if payload.Origin != "+1555" || payload.Content != "hello" || payload.Timestamp != testTime.UnixMilli() {
		t.Errorf("unexpected payload: %+v", payload)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature mismatch: got %q want %q", gotSig, want)
	}
}

func TestHTTPRelayStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		relay := newHTTPRelay(HTTPRelayConfig{URL: srv.URL, Method: http.MethodPost}, srv.Client())
		err := relay.Deliver(context.Background(), "o", "c", testTime)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsPermanent(err) != tt.permanent {
			t.Errorf("status %d: permanent=%v, want %v (%v)", tt.status, IsPermanent(err), tt.permanent, err)
		}
	}
}

func TestChatBotDeliver(t *testing.T) {
	var req chatBotRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	bot := newChatBot(ChatBotConfig{Token: "123:abc", ChatID: "42", APIBase: srv.URL}, srv.Client())
	if err := bot.Deliver(context.Background(), "+1555", "ping", testTime); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Errorf("unexpected path %q", path)
	}
	if req.ChatID != "42" || !strings.Contains(req.Text, "ping") {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestChatBotAPIRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	bot := newChatBot(ChatBotConfig{Token: "t", ChatID: "42", APIBase: srv.URL}, srv.Client())
	err := bot.Deliver(context.Background(), "o", "c", testTime)
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestChatBotErrorHidesToken(t *testing.T) {
	bot := newChatBot(ChatBotConfig{Token: "very-secret-token", ChatID: "42", APIBase: "http://127.0.0.1:1"}, &http.Client{Timeout: time.Second})
	err := bot.Deliver(context.Background(), "o", "c", testTime)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if strings.Contains(err.Error(), "very-secret-token") {
		t.Errorf("error leaked the bot token: %v", err)
	}
}

// pipeDialer hands the client side of an in-memory connection to the SMTP client and
// runs a scripted server on the other side.
type pipeDialer struct {
	rcptReply string
	// quitReply overrides the 221 reply to QUIT.
	quitReply string
	// onAccepted runs after the message is accepted.
	onAccepted func()
	mu         sync.Mutex
	data       string
	done       chan struct{}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	d.done = make(chan struct{})
	go d.serve(server)
	return client, nil
}

func (d *pipeDialer) serve(conn net.Conn) {
	defer close(d.done)
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = io.WriteString(conn, s+"\r\n") }

	reply("220 test ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			reply("250-test")
			reply("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			reply(d.rcptReply)
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			d.mu.Lock()
			d.data = b.String()
			d.mu.Unlock()
			reply("250 queued")
			if d.onAccepted != nil {
				d.onAccepted()
			}
		case cmd == "QUIT":
			if d.quitReply != "" {
				reply(d.quitReply)
			} else {
				reply("221 bye")
			}
			return
		default:
			reply("502 unsupported")
		}
	}
}

func TestMailRelayDeliver(t *testing.T) {
	dialer := &pipeDialer{rcptReply: "250 ok"}
	relay := newMailRelay(MailRelayConfig{
		Host: "smtp.example.com", Port: 2525, From: "fp@example.com", To: []string{"me@example.com"},
		SubjectPrefix: "[fwd]",
	}, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := relay.Deliver(ctx, "+15551234", "hello", testTime); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	<-dialer.done

	dialer.mu.Lock()
	data := dialer.data
	dialer.mu.Unlock()
	if !strings.Contains(data, "Subject: [fwd] Message from +15551234\r\n") {
		t.Errorf("missing subject header in %q", data)
	}
	if !strings.Contains(data, "\r\n\r\nFrom: +15551234\r\nhello") {
		t.Errorf("missing body in %q", data)
	}
}

func TestMailRelayAcceptedMessageIsDelivered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The caller's context ends and QUIT fails after the relay took the message.
	dialer := &pipeDialer{rcptReply: "250 ok", quitReply: "421 closing", onAccepted: cancel}
	relay := newMailRelay(MailRelayConfig{
		Host: "smtp.example.com", Port: 2525, From: "fp@example.com", To: []string{"me@example.com"},
	}, dialer)

	if err := relay.Deliver(ctx, "+15551234", "hello", testTime); err != nil {
		t.Fatalf("accepted message reported as failed: %v", err)
	}
	<-dialer.done

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if !strings.Contains(dialer.data, "hello") {
		t.Errorf("relay did not receive the body: %q", dialer.data)
	}
}

func TestMailRelayRejectedRecipientIsPermanent(t *testing.T) {
	dialer := &pipeDialer{rcptReply: "550 no such user"}
	relay := newMailRelay(MailRelayConfig{
		Host: "smtp.example.com", Port: 2525, From: "fp@example.com", To: []string{"nobody@example.com"},
	}, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := relay.Deliver(ctx, "o", "c", testTime)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestBuildMessageSanitizesHeaders(t *testing.T) {
	relay := newMailRelay(MailRelayConfig{From: "fp@example.com", To: []string{"me@example.com"}}, nil)
	relay.now = func() time.Time { return testTime }
	msg := string(relay.buildMessage("evil\r\nBcc: x@example.com", "body", testTime))
	if strings.Contains(msg, "\r\nBcc:") {
		t.Errorf("header injection not sanitized: %q", msg)
	}
	if !strings.Contains(msg, "Date: "+testTime.Format(time.RFC1123Z)) {
		t.Errorf("missing Date header: %q", msg)
	}
}
