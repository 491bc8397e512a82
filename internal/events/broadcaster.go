// ABOUTME: In-memory topic carrying every message the router accepts
// ABOUTME: Subscribers register a filter and receive matching messages on a buffered channel

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// DefaultBufferSize is the channel buffer for subscribers that do not ask
// for a specific size.
const DefaultBufferSize = 64

// Filter selects the messages a subscriber wants. A nil filter matches all.
type Filter func(*protocol.Message) bool

type subscription struct {
	filter Filter
	ch     chan *protocol.Message
}

// Broadcaster fans published messages out to filtered subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the message.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a filtered subscription with the given buffer size
// (DefaultBufferSize when size <= 0). The subscription is removed when ctx
// is cancelled or Unsubscribe is called. On a closed broadcaster the
// returned channel is already closed.
func (b *Broadcaster) Subscribe(ctx context.Context, filter Filter, size int) (<-chan *protocol.Message, string) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	subID := uuid.New().String()
	ch := make(chan *protocol.Message, size)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subs[subID] = &subscription{filter: filter, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(subID)
		}()
	}

	return ch, subID
}

// Publish offers msg to every subscriber whose filter accepts it.
func (b *Broadcaster) Publish(msg *protocol.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; they are non-blocking, so the lock is held briefly.
	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Debug("dropped message for full subscriber",
				"sub_id", id,
				"message_id", msg.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Count returns the number of live subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Reset closes every subscription but keeps the broadcaster usable.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropAllLocked()
}

// Close shuts the broadcaster down and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropAllLocked()
	b.closed = true
	b.logger.Debug("broadcaster closed")
}

func (b *Broadcaster) dropAllLocked() {
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
