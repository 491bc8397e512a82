// ABOUTME: Message router: the single intake for all coordinator traffic
// ABOUTME: Validates, records, persists, routes (unicast/broadcast) and publishes each message

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/telemetry"
)

// Default timeouts used when Options leaves them at zero.
const (
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultPersistTimeout  = 5 * time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("router closed")

// ErrNilMessage is returned by Submit for a nil message.
var ErrNilMessage = errors.New("nil message")

// errTargetNotFound is the payload error text of a synthesized ERROR.
const errTargetNotFound = "target not found"

// Directory resolves agent ids to handles.
type Directory interface {
	Get(id string) (agent.Handle, bool)
	All() []agent.Entry
}

// Publisher receives every routed message.
type Publisher interface {
	Publish(msg *protocol.Message)
}

// Options configures a Router.
type Options struct {
	Directory Directory
	Publisher Publisher         // optional
	Store     store.MessageStore // optional
	Dedupe    *dedupe.Window     // optional
	Metrics   *telemetry.Metrics // optional

	DeliveryTimeout time.Duration
	PersistTimeout  time.Duration
	Logger          *slog.Logger
}

// Router delivers messages to registered agents.
type Router struct {
	dir     Directory
	pub     Publisher
	store   store.MessageStore
	dedupe  *dedupe.Window
	metrics *telemetry.Metrics

	deliveryTimeout time.Duration
	persistTimeout  time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	history map[string][]*protocol.Message
	closed  bool

	persisting sync.WaitGroup
}

// New creates a router over the given directory.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}

	return &Router{
		dir:             opts.Directory,
		pub:             opts.Publisher,
		store:           opts.Store,
		dedupe:          opts.Dedupe,
		metrics:         opts.Metrics,
		deliveryTimeout: opts.DeliveryTimeout,
		persistTimeout:  opts.PersistTimeout,
		logger:          logger.With("component", "router"),
		history:         make(map[string][]*protocol.Message),
	}
}

// Submit accepts a message for routing. Invalid and duplicate messages are
// logged and dropped without an error, and delivery failures never surface
// here. The only errors are ErrNilMessage and ErrClosed.
func (r *Router) Submit(ctx context.Context, msg *protocol.Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	ctx, span := telemetry.StartSubmitSpan(ctx, msg.ID, msg.CorrelationID, string(msg.Kind), msg.To)
	defer telemetry.EndSpan(span, nil)

	if result := protocol.Validate(msg); !result.Valid {
		r.logger.Warn("dropping invalid message",
			"message_id", msg.ID,
			"from", msg.From,
			"to", msg.To,
			"error", result.Err(),
		)
		r.metrics.MessageDropped(ctx, "invalid")
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.dedupe != nil && r.dedupe.Seen(msg.ID) {
		r.mu.Unlock()
		r.logger.Warn("dropping duplicate message",
			"message_id", msg.ID,
			"correlation_id", msg.CorrelationID,
		)
		r.metrics.MessageDropped(ctx, "duplicate")
		return nil
	}
	r.history[msg.CorrelationID] = append(r.history[msg.CorrelationID], msg)
	if r.store != nil {
		r.persisting.Add(1)
	}
	r.mu.Unlock()

	r.metrics.MessageSubmitted(ctx, string(msg.Kind))
	r.logger.Debug("message accepted",
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
		"kind", msg.Kind,
		"from", msg.From,
		"to", msg.To,
	)

	if r.store != nil {
		go r.persist(context.WithoutCancel(ctx), msg)
	}

	if protocol.IsBroadcast(msg) {
		r.broadcast(ctx, msg)
	} else {
		r.unicast(ctx, msg)
	}

	if r.pub != nil {
		r.pub.Publish(msg)
	}
	return nil
}

func (r *Router) unicast(ctx context.Context, msg *protocol.Message) {
	if msg.To == protocol.Coordinator {
		return
	}

	handle, ok := r.dir.Get(msg.To)
	if !ok {
		r.targetNotFound(ctx, msg)
		return
	}
	r.deliver(ctx, msg.To, handle, msg)
}

// targetNotFound answers the sender with an ERROR when it can be reached.
func (r *Router) targetNotFound(ctx context.Context, msg *protocol.Message) {
	if _, ok := r.dir.Get(msg.From); !ok {
		r.logger.Warn("target not found, sender unreachable; dropping",
			"message_id", msg.ID,
			"from", msg.From,
			"to", msg.To,
		)
		r.metrics.MessageDropped(ctx, "no_target")
		return
	}

	r.logger.Warn("target not found, notifying sender",
		"message_id", msg.ID,
		"from", msg.From,
		"to", msg.To,
	)
	errMsg := msg.Reply(protocol.Coordinator, protocol.KindError, protocol.Payload{
		protocol.KeyError:     errTargetNotFound,
		"target":              msg.To,
		"original_message_id": msg.ID,
	})
	if err := r.Submit(ctx, errMsg); err != nil {
		r.logger.Warn("failed to submit target-not-found error", "error", err)
	}
}

func (r *Router) broadcast(ctx context.Context, msg *protocol.Message) {
	var g errgroup.Group
	recipients := 0
	for _, e := range r.dir.All() {
		if e.ID == msg.From {
			continue
		}
		recipients++
		g.Go(func() error {
			r.deliver(ctx, e.ID, e.Handle, msg)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("broadcast delivered",
		"message_id", msg.ID,
		"recipients", recipients,
	)
}

// deliver hands msg to one agent. Errors and panics stop here.
func (r *Router) deliver(ctx context.Context, agentID string, h agent.Handle, msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
				r.logger.Debug("delivery panic stack", "stack", string(debug.Stack()))
			}
		}()
		err = h.ReceiveMessage(ctx, msg)
	}()

	if err != nil {
		derr := &DeliveryError{AgentID: agentID, MessageID: msg.ID, Err: err}
		r.logger.Error("delivery failed",
			"agent_id", agentID,
			"message_id", msg.ID,
			"error", derr,
		)
		r.metrics.DeliveryFailed(ctx)
	}
}

func (r *Router) persist(ctx context.Context, msg *protocol.Message) {
	defer r.persisting.Done()

	ctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Error("failed to persist message",
			"message_id", msg.ID,
			"error", err,
		)
		r.metrics.PersistFailed(ctx, "message")
	}
}

// History returns a copy of every accepted message carrying correlationID,
// in submission order. Unknown ids yield an empty slice.
func (r *Router) History(correlationID string) []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.history[correlationID]
	out := make([]*protocol.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Reset forgets message history and dedupe state.
func (r *Router) Reset() {
	r.mu.Lock()
	r.history = make(map[string][]*protocol.Message)
	r.mu.Unlock()

	if r.dedupe != nil {
		r.dedupe.Reset()
	}
}

// Close stops accepting messages and waits for pending persistence.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.persisting.Wait()
	r.logger.Debug("router closed")
}
