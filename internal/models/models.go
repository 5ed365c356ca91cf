// Package models defines the core data structures for ForwardPipe.
//
// It includes inbound message types and the JSON envelopes shared by the API and the
// messaging sources.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageSource identifies where an inbound message came from.
type MessageSource string

const (
	// SourceAPI messages were posted to the HTTP API.
	SourceAPI MessageSource = "api"
	// SourceTwilio messages arrived through the Twilio webhook.
	SourceTwilio MessageSource = "twilio"
	// SourceWhatsApp messages were received by the linked WhatsApp device.
	SourceWhatsApp MessageSource = "whatsapp"
)

// Validation constants for input validation
const (
	// MaxOriginLength defines the maximum allowed length for an origin identifier
	MaxOriginLength = 256
	// MaxContentLength defines the maximum accepted length of inbound content, in runes.
	// The backlog stores at most 500 runes of it.
	MaxContentLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyOrigin     = errors.New("origin cannot be empty")
	ErrOriginTooLong   = errors.New("origin exceeds maximum length")
	ErrEmptyContent    = errors.New("content cannot be empty")
	ErrContentTooLong  = errors.New("content exceeds maximum length")
	ErrFutureTimestamp = errors.New("timestamp is too far in the future")
)

// maxClockSkew bounds how far in the future an inbound timestamp may be.
const maxClockSkew = 5 * time.Minute

// InboundMessage is one message received from any source, ready to be forwarded.
type InboundMessage struct {
	// ID is the provider's message id, used for deduplication. Empty for API messages.
	ID        string        `json:"id,omitempty"`
	Source    MessageSource `json:"source"`
	Origin    string        `json:"origin"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

// Validate checks that the message can be forwarded.
func (m *InboundMessage) Validate() error {
	origin := strings.TrimSpace(m.Origin)
	if origin == "" {
		return ErrEmptyOrigin
	}
	if len(origin) > MaxOriginLength {
		return ErrOriginTooLong
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if !m.Timestamp.IsZero() && m.Timestamp.After(time.Now().Add(maxClockSkew)) {
		return ErrFutureTimestamp
	}
	return nil
}

// SubmitRequest is the payload of POST /messages.
type SubmitRequest struct {
	Origin  string `json:"origin"`
	Content string `json:"content"`
	// Timestamp is the original event time in Unix milliseconds. Zero means now.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ToInbound converts the request into an inbound message.
func (r SubmitRequest) ToInbound() InboundMessage {
	msg := InboundMessage{Source: SourceAPI, Origin: strings.TrimSpace(r.Origin), Content: r.Content}
	if r.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(r.Timestamp)
	}
	return msg
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a message was accepted for delivery.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusDuplicate indicates a message was already received and was not forwarded again.
	APIStatusDuplicate APIStatus = "duplicate"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates a response for a message queued for delivery.
func Accepted(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithResult(result).
		Build()
}

// Duplicate creates a response for a message that was already received.
func Duplicate(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		WithMessage(message).
		Build()
}
