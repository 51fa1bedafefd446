package bus

import (
	"log/slog"
	"sync"
	"time"

	"askhuman/internal/domain"
)

const publishTimeout = 10 * time.Second

// FeedBus is a Go-channel based feed carrying inbound transport events to the dispatcher.
// A single channel preserves per-connection arrival order.
type FeedBus struct {
	inbound chan domain.InboundEvent
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a new FeedBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *FeedBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &FeedBus{
		inbound: make(chan domain.InboundEvent, bufferSize),
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the feed is full instead of dropping.
func (b *FeedBus) Publish(ev domain.InboundEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed feed", "transport", ev.Transport)
		return
	}

	select {
	case b.inbound <- ev:
	default:
		b.logger.Warn("inbound feed full, waiting...", "transport", ev.Transport, "source", ev.SourceID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- ev:
			b.logger.Info("event delivered after wait", "transport", ev.Transport)
		case <-timer.C:
			b.logger.Error("event dropped: feed full for 10s",
				"transport", ev.Transport,
				"source", ev.SourceID,
				"message_id", ev.MessageID,
			)
		}
	}
}

func (b *FeedBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Len returns the number of events waiting to be dispatched.
func (b *FeedBus) Len() int {
	return len(b.inbound)
}

func (b *FeedBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
