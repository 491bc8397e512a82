// ABOUTME: One-shot waiters that suspend a caller until a matching message arrives
// ABOUTME: Each waiter owns a filtered subscription and a deadline; both are released on exit

package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/protocol"
)

// ErrResponseTimeout is matched by every *TimeoutError.
var ErrResponseTimeout = errors.New("response timeout")

// ErrStreamClosed indicates the event stream shut down while waiting.
var ErrStreamClosed = errors.New("event stream closed")

// TimeoutError reports a wait that exceeded its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no matching message within %s", e.Timeout)
}

// Is makes errors.Is(err, ErrResponseTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrResponseTimeout
}

// Predicate decides whether a message resolves a waiter.
type Predicate func(*protocol.Message) bool

// Stream is the subset of the event broadcaster a correlator needs.
type Stream interface {
	Subscribe(ctx context.Context, filter events.Filter, size int) (<-chan *protocol.Message, string)
	Unsubscribe(subID string)
}

// Correlator arms waiters over the coordinator's event stream.
type Correlator struct {
	stream Stream
	logger *slog.Logger
}

// New creates a correlator. Pass nil logger for default.
func New(stream Stream, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		stream: stream,
		logger: logger.With("component", "correlator"),
	}
}

// Waiter is an armed, not yet awaited, one-shot subscription.
type Waiter struct {
	stream Stream
	ch     <-chan *protocol.Message
	subID  string
	logger *slog.Logger
}

// Expect subscribes immediately so that a message published before Wait is
// called is not missed. Callers must eventually call Wait or Cancel.
func (c *Correlator) Expect(pred Predicate) *Waiter {
	// Buffer of one: only the first match is kept, later ones are dropped
	// by the non-blocking publish.
	ch, subID := c.stream.Subscribe(context.Background(), events.Filter(pred), 1)
	return &Waiter{stream: c.stream, ch: ch, subID: subID, logger: c.logger}
}

// WaitFor arms a waiter and blocks until it resolves.
func (c *Correlator) WaitFor(ctx context.Context, pred Predicate, timeout time.Duration) (*protocol.Message, error) {
	return c.Expect(pred).Wait(ctx, timeout)
}

// Wait blocks until the first matching message, the timeout, or ctx
// cancellation. The subscription is removed on every path.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*protocol.Message, error) {
	defer w.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-w.ch:
		if !ok {
			return nil, ErrStreamClosed
		}
		return msg, nil
	case <-timer.C:
		w.logger.Debug("waiter timed out", "sub_id", w.subID, "timeout", timeout)
		return nil, &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel releases the subscription without waiting. Safe to call twice.
func (w *Waiter) Cancel() {
	w.stream.Unsubscribe(w.subID)
}

// ByCorrelation matches messages in the given conversation.
func ByCorrelation(id string) Predicate {
	return func(m *protocol.Message) bool { return m.CorrelationID == id }
}

// ByKind matches any of the given kinds.
func ByKind(kinds ...protocol.Kind) Predicate {
	return func(m *protocol.Message) bool {
		for _, k := range kinds {
			if m.Kind == k {
				return true
			}
		}
		return false
	}
}

// ByFrom matches messages sent by the given address.
func ByFrom(from string) Predicate {
	return func(m *protocol.Message) bool { return m.From == from }
}

// ByAction matches messages whose payload action equals action.
func ByAction(action string) Predicate {
	return func(m *protocol.Message) bool { return m.Action() == action }
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(m *protocol.Message) bool {
		for _, p := range preds {
			if !p(m) {
				return false
			}
		}
		return true
	}
}
