package twiliorelay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "+15551234", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", sent[0].Body)
	}
}

func TestMockClient_QueuedErrors(t *testing.T) {
	mock := NewMockClient()
	mock.Errs = []error{errors.New("boom")}

	if err := mock.SendMessage(context.Background(), "+1555", "x"); err == nil {
		t.Fatal("expected queued error")
	}
	if err := mock.SendMessage(context.Background(), "+1555", "x"); err != nil {
		t.Fatalf("expected success after queued error, got %v", err)
	}
	if len(mock.Sent()) != 1 {
		t.Errorf("expected 1 recorded message, got %d", len(mock.Sent()))
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFrom("+1"), WithChannel("fax")); err == nil {
		t.Error("expected error for unsupported channel")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFrom("+1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAddress(t *testing.T) {
	if got := Address(ChannelWhatsApp, "+1555"); got != "whatsapp:+1555" {
		t.Errorf("expected whatsapp prefix, got %q", got)
	}
	if got := Address(ChannelWhatsApp, "whatsapp:+1555"); got != "whatsapp:+1555" {
		t.Errorf("expected prefix not doubled, got %q", got)
	}
	if got := Address(ChannelSMS, "+1555"); got != "+1555" {
		t.Errorf("expected unchanged sms number, got %q", got)
	}
}

func TestIsClientError(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{400, true},
		{404, true},
		{429, false},
		{500, false},
	}
	for _, tc := range cases {
		err := fmt.Errorf("wrapped: %w", &twilioclient.TwilioRestError{Status: tc.status, Message: "x"})
		if got := IsClientError(err); got != tc.want {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, got)
		}
	}
	if IsClientError(errors.New("network down")) {
		t.Error("plain errors are not client errors")
	}
}
