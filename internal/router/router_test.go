// ABOUTME: Tests for the message router
// ABOUTME: Covers unicast, broadcast isolation, unknown targets, history, dedupe and persistence

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/store"
)

type fixture struct {
	reg    *agent.Registry
	events *events.Broadcaster
	store  *store.MockStore
	router *Router
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		events: events.NewBroadcaster(nil),
		store:  store.NewMockStore(),
	}
	f.reg = agent.NewRegistry(nil, nil)

	opts := Options{
		Directory:       f.reg,
		Publisher:       f.events,
		Store:           f.store,
		DeliveryTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.router = New(opts)

	t.Cleanup(func() {
		f.router.Close()
		f.reg.Close()
		f.events.Close()
	})
	return f
}

func (f *fixture) local(t *testing.T, id string, h agent.HandlerFunc) *agent.Local {
	t.Helper()
	l := agent.NewLocal(id, h)
	_, err := f.reg.Register(id, l)
	require.NoError(t, err)
	return l
}

// panicHandle blows up on every delivery.
type panicHandle struct{}

func (panicHandle) ReceiveMessage(context.Context, *protocol.Message) error {
	panic("handler exploded")
}

func (panicHandle) Status(context.Context) (*agent.Status, error) {
	return &agent.Status{Healthy: false}, nil
}

func TestSubmit_Unicast(t *testing.T) {
	f := newFixture(t)
	alice := f.local(t, "alice", nil)
	bob := f.local(t, "bob", nil)

	msg := protocol.NewMessage("alice", "bob", protocol.KindRequest, protocol.Payload{"action": "PING"})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	require.Len(t, bob.Received(), 1)
	assert.Equal(t, msg.ID, bob.Received()[0].ID)
	assert.Empty(t, alice.Received())
}

func TestSubmit_BroadcastSkipsSender(t *testing.T) {
	f := newFixture(t)
	agents := map[string]*agent.Local{}
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		agents[id] = f.local(t, id, nil)
	}

	msg := protocol.NewMessage("a1", protocol.Broadcast, protocol.KindBroadcast, protocol.Payload{"note": "hi"})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	assert.Empty(t, agents["a1"].Received())
	for _, id := range []string{"a2", "a3", "a4"} {
		require.Len(t, agents[id].Received(), 1, id)
		assert.Equal(t, msg.ID, agents[id].Received()[0].ID)
	}
}

func TestSubmit_BroadcastIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Register("bomb", panicHandle{})
	require.NoError(t, err)
	f.local(t, "failing", func(context.Context, *agent.Local, *protocol.Message) error {
		return errors.New("nope")
	})
	ok := f.local(t, "ok", nil)

	msg := protocol.NewMessage(protocol.Coordinator, protocol.Broadcast, protocol.KindBroadcast, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	require.Len(t, ok.Received(), 1)
}

func TestSubmit_UnicastPanicIsContained(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Register("bomb", panicHandle{})
	require.NoError(t, err)

	msg := protocol.NewMessage(protocol.Coordinator, "bomb", protocol.KindRequest, protocol.Payload{})
	assert.NoError(t, f.router.Submit(t.Context(), msg))
}

func TestSubmit_DeliveryTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DeliveryTimeout = 20 * time.Millisecond })
	f.local(t, "slow", func(ctx context.Context, _ *agent.Local, _ *protocol.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	msg := protocol.NewMessage(protocol.Coordinator, "slow", protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmit_UnknownTargetNotifiesSender(t *testing.T) {
	f := newFixture(t)
	alice := f.local(t, "alice", nil)

	msg := protocol.NewMessage("alice", "ghost", protocol.KindRequest, protocol.Payload{"action": "X"})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	got := alice.Received()
	require.Len(t, got, 1)
	errMsg := got[0]
	assert.Equal(t, protocol.KindError, errMsg.Kind)
	assert.Equal(t, msg.CorrelationID, errMsg.CorrelationID)
	assert.Equal(t, protocol.Coordinator, errMsg.From)
	assert.Equal(t, "alice", errMsg.To)
	assert.Equal(t, "target not found", errMsg.Payload[protocol.KeyError])
	assert.Equal(t, "ghost", errMsg.Payload["target"])
	assert.Equal(t, msg.ID, errMsg.Payload["original_message_id"])

	history := f.router.History(msg.CorrelationID)
	require.Len(t, history, 2)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.Equal(t, errMsg.ID, history[1].ID)
}

func TestSubmit_UnknownTargetUnknownSenderDrops(t *testing.T) {
	f := newFixture(t)
	bystander := f.local(t, "bystander", nil)

	msg := protocol.NewMessage("stranger", "ghost", protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	assert.Empty(t, bystander.Received())
	assert.Len(t, f.router.History(msg.CorrelationID), 1)
}

func TestSubmit_ToCoordinatorIsPublishedOnly(t *testing.T) {
	f := newFixture(t)
	other := f.local(t, "other", nil)

	ch, _ := f.events.Subscribe(t.Context(), nil, 4)
	msg := protocol.NewMessage("other", protocol.Coordinator, protocol.KindResponse, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	assert.Empty(t, other.Received())
	select {
	case got := <-ch:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("message was not published")
	}
}

func TestSubmit_InvalidMessageDropped(t *testing.T) {
	f := newFixture(t)
	bob := f.local(t, "bob", nil)

	ch, _ := f.events.Subscribe(t.Context(), nil, 4)
	msg := protocol.NewMessage("alice", "bob", protocol.Kind("GOSSIP"), protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	assert.Empty(t, bob.Received())
	assert.Empty(t, f.router.History(msg.CorrelationID))
	f.router.Close()
	assert.Empty(t, f.store.Messages())
	select {
	case <-ch:
		t.Fatal("invalid message was published")
	default:
	}
}

func TestSubmit_NilMessage(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.router.Submit(t.Context(), nil), ErrNilMessage)
}

func TestSubmit_DuplicateDropped(t *testing.T) {
	window := dedupe.NewWindow(time.Minute, 100)
	t.Cleanup(window.Close)
	f := newFixture(t, func(o *Options) { o.Dedupe = window })
	bob := f.local(t, "bob", nil)

	msg := protocol.NewMessage("alice", "bob", protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))
	require.NoError(t, f.router.Submit(t.Context(), msg))

	assert.Len(t, bob.Received(), 1)
	assert.Len(t, f.router.History(msg.CorrelationID), 1)

	f.router.Reset()
	require.NoError(t, f.router.Submit(t.Context(), msg))
	assert.Len(t, bob.Received(), 2)
}

func TestSubmit_PersistsAsynchronously(t *testing.T) {
	f := newFixture(t)
	f.local(t, "bob", nil)

	msg := protocol.NewMessage("alice", "bob", protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	f.router.Close()
	saved := f.store.Messages()
	require.Len(t, saved, 1)
	assert.Equal(t, msg.ID, saved[0].ID)
}

func TestSubmit_PersistFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.store.SaveMessageErr = errors.New("disk on fire")
	bob := f.local(t, "bob", nil)

	msg := protocol.NewMessage("alice", "bob", protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))

	assert.Len(t, bob.Received(), 1)
	assert.Len(t, f.router.History(msg.CorrelationID), 1)
}

func TestSubmit_AfterClose(t *testing.T) {
	f := newFixture(t)
	f.router.Close()

	msg := protocol.NewMessage("alice", "bob", protocol.KindRequest, protocol.Payload{})
	assert.ErrorIs(t, f.router.Submit(t.Context(), msg), ErrClosed)
}

func TestHistory_Idempotent(t *testing.T) {
	f := newFixture(t)
	alice := f.local(t, "alice", nil)
	f.local(t, "bob", nil)

	req := protocol.NewMessage("alice", "bob", protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), req))
	require.NoError(t, f.router.Submit(t.Context(), req.Reply("bob", protocol.KindResponse, protocol.Payload{})))

	first := f.router.History(req.CorrelationID)
	second := f.router.History(req.CorrelationID)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, protocol.KindResponse, first[1].Kind)
	assert.Len(t, alice.Received(), 1)

	assert.Empty(t, f.router.History("unknown"))
	assert.NotNil(t, f.router.History("unknown"))
}

func TestHistory_ResetClears(t *testing.T) {
	f := newFixture(t)

	msg := protocol.NewMessage("alice", protocol.Coordinator, protocol.KindRequest, protocol.Payload{})
	require.NoError(t, f.router.Submit(t.Context(), msg))
	require.Len(t, f.router.History(msg.CorrelationID), 1)

	f.router.Reset()
	assert.Empty(t, f.router.History(msg.CorrelationID))
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("boom")
	err := &DeliveryError{AgentID: "a", MessageID: "m", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "deliver m to a")
}
