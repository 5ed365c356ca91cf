// Package messaging receives inbound messages from external providers and hands them to
// the delivery dispatcher.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/models"
)

// Constants for inbound source configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an emit may block before the message is dropped
	DefaultChannelTimeout = 1 * time.Second
)

// ErrSourceStopped is returned when a stopped source is asked to accept a message.
var ErrSourceStopped = errors.New("messaging source is stopped")

// ErrChannelFull is returned when the inbound channel stays blocked past DefaultChannelTimeout.
var ErrChannelFull = errors.New("inbound channel is full")

// Source produces inbound messages.
type Source interface {
	// Name identifies the source in logs.
	Name() models.MessageSource

	// Start begins receiving messages.
	Start(ctx context.Context) error

	// Stop stops receiving and closes the Inbound channel.
	Stop() error

	// Inbound returns the channel of received messages.
	Inbound() <-chan models.InboundMessage
}

// inbox is the buffered channel shared by the sources, safe to close while emitting.
type inbox struct {
	name    models.MessageSource
	ch      chan models.InboundMessage
	mu      sync.RWMutex
	stopped bool
}

func newInbox(name models.MessageSource) *inbox {
	return &inbox{name: name, ch: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

func (b *inbox) emit(msg models.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("inbox.emit: dropping message, source stopped", "source", b.name, "origin", msg.Origin)
		return ErrSourceStopped
	}

	timer := time.NewTimer(DefaultChannelTimeout)
	defer timer.Stop()
	select {
	case b.ch <- msg:
		slog.Debug("inbox.emit: message queued", "source", b.name, "origin", msg.Origin)
		return nil
	case <-timer.C:
		slog.Warn("inbox.emit: channel blocked, dropping message", "source", b.name, "origin", msg.Origin, "timeout", DefaultChannelTimeout)
		return ErrChannelFull
	}
}

// close stops the inbox. Emitters hold the read lock, so no send races the close.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}
