package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Origin      string     `json:"origin"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication. Webhook
// providers redeliver on timeouts; recording the provider's message id keeps a
// redelivered message from being forwarded twice.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate). A record that was never marked
	// processed and was received before reclaimBefore is claimed again and
	// returns true, so a message lost before its job reported is not dropped.
	RecordInbound(messageID, origin string, reclaimBefore time.Time) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message. Processed
	// records are never reclaimed.
	MarkProcessed(messageID string) error

	// ForgetInbound removes a record whose message could not be accepted, so a
	// redelivery is not mistaken for a duplicate.
	ForgetInbound(messageID string) error

	// PruneInbound deletes records received before the given time.
	PruneInbound(before time.Time) (int, error)
}
