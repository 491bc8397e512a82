// ABOUTME: In-process agent handle driven by a handler function
// ABOUTME: Records deliveries and emits replies through a buffered outbox

package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/coven-coordinator/internal/protocol"
)

const outboxBufferSize = 64

// HandlerFunc processes one delivered message. It may reply through self.
type HandlerFunc func(ctx context.Context, self *Local, msg *protocol.Message) error

// StatusFunc overrides the status a Local handle reports.
type StatusFunc func(ctx context.Context) (*Status, error)

// Local is a Handle and Emitter implemented in the same process.
type Local struct {
	id      string
	handler HandlerFunc
	outbox  chan *protocol.Message

	mu       sync.Mutex
	received []*protocol.Message
	status   StatusFunc
}

// NewLocal creates a local agent. A nil handler only records deliveries.
func NewLocal(id string, handler HandlerFunc) *Local {
	return &Local{
		id:      id,
		handler: handler,
		outbox:  make(chan *protocol.Message, outboxBufferSize),
	}
}

// ID returns the id the agent addresses its replies from.
func (l *Local) ID() string { return l.id }

// ReceiveMessage records msg and runs the handler.
func (l *Local) ReceiveMessage(ctx context.Context, msg *protocol.Message) error {
	l.mu.Lock()
	l.received = append(l.received, msg)
	l.mu.Unlock()

	if l.handler == nil {
		return nil
	}
	return l.handler(ctx, l, msg)
}

// Status reports healthy unless a StatusFunc was installed.
func (l *Local) Status(ctx context.Context) (*Status, error) {
	l.mu.Lock()
	fn := l.status
	count := len(l.received)
	l.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return &Status{Healthy: true, Detail: fmt.Sprintf("%d messages received", count)}, nil
}

// SetStatusFunc replaces the status callback.
func (l *Local) SetStatusFunc(fn StatusFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = fn
}

// Outbox implements Emitter.
func (l *Local) Outbox() <-chan *protocol.Message {
	return l.outbox
}

// Emit queues msg for the router. It blocks while the outbox is full.
func (l *Local) Emit(ctx context.Context, msg *protocol.Message) error {
	select {
	case l.outbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reply emits an answer to req.
func (l *Local) Reply(ctx context.Context, req *protocol.Message, kind protocol.Kind, payload protocol.Payload) error {
	return l.Emit(ctx, req.Reply(l.id, kind, payload))
}

// Received returns a copy of every message delivered so far.
func (l *Local) Received() []*protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*protocol.Message, len(l.received))
	copy(out, l.received)
	return out
}
