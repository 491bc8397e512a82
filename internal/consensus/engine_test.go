// ABOUTME: Tests for the consensus engine
// ABOUTME: Runs rounds over a real router and correlator with local voting agents

package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/correlator"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/router"
	"github.com/2389/coven-coordinator/internal/store"
)

type harness struct {
	reg    *agent.Registry
	router *router.Router
	store  *store.MockStore
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{store: store.NewMockStore()}
	bus := events.NewBroadcaster(nil)
	h.reg = agent.NewRegistry(func(ctx context.Context, msg *protocol.Message) error {
		return h.router.Submit(ctx, msg)
	}, nil)
	h.router = router.New(router.Options{Directory: h.reg, Publisher: bus})
	h.engine = New(Options{
		Router:     h.router,
		Voters:     h.reg,
		Correlator: correlator.New(bus, nil),
		Store:      h.store,
	})

	t.Cleanup(func() {
		h.reg.Close()
		h.router.Close()
		bus.Close()
	})
	return h
}

// voter registers an agent that answers every consensus request with payload.
func (h *harness) voter(t *testing.T, id string, payload protocol.Payload) *agent.Local {
	t.Helper()
	l := agent.NewLocal(id, func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
		if msg.Kind != protocol.KindConsensusRequest {
			return nil
		}
		p := protocol.Payload{protocol.KeyAction: ActionVote}
		for k, v := range payload {
			p[k] = v
		}
		return self.Reply(ctx, msg, protocol.KindVote, p)
	})
	_, err := h.reg.Register(id, l)
	require.NoError(t, err)
	return l
}

func TestRequestConsensus_Moderate(t *testing.T) {
	h := newHarness(t)
	h.voter(t, "v1", protocol.Payload{"vote": "A", "confidence": 0.9})
	h.voter(t, "v2", protocol.Payload{"vote": "A", "confidence": 0.3})
	h.voter(t, "v3", protocol.Payload{"vote": "B", "confidence": 0.5, "reasoning": "contrarian"})

	res, err := h.engine.RequestConsensus(t.Context(), "ship it?", map[string]any{"release": "1.2"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "A", res.Decision)
	assert.Equal(t, 70.59, res.AgreementScore)
	assert.Equal(t, LevelModerate, res.Level)
	assert.Len(t, res.Votes, 3)

	saved, err := h.store.GetConsensus(t.Context(), res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "ship it?", saved.Topic)
	assert.Equal(t, `"A"`, saved.DecisionJSON)
	assert.Equal(t, "moderate", saved.Level)
	assert.Len(t, saved.Votes, 3)
}

func TestRequestConsensus_TieGoesToFirstRegisteredVoter(t *testing.T) {
	h := newHarness(t)
	// alpha answers last, so arrival order would favor beta
	slow := agent.NewLocal("alpha", func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
		if msg.Kind != protocol.KindConsensusRequest {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
		return self.Reply(ctx, msg, protocol.KindVote, protocol.Payload{
			protocol.KeyAction: ActionVote, "vote": "A", "confidence": 0.5,
		})
	})
	_, err := h.reg.Register("alpha", slow)
	require.NoError(t, err)
	h.voter(t, "beta", protocol.Payload{"vote": "B", "confidence": 0.5})

	for i := 0; i < 50; i++ {
		res, err := h.engine.RequestConsensus(t.Context(), "tie?", nil, time.Second)
		require.NoError(t, err)
		require.Len(t, res.Votes, 2)
		assert.Equal(t, "alpha", res.Votes[0].AgentID)
		assert.Equal(t, "beta", res.Votes[1].AgentID)
		assert.Equal(t, "A", res.Decision, "round %d", i)
		assert.Equal(t, 50.0, res.AgreementScore)
	}
}

func TestRequestConsensus_RequestShape(t *testing.T) {
	h := newHarness(t)
	v := h.voter(t, "v1", protocol.Payload{"vote": true})

	res, err := h.engine.RequestConsensus(t.Context(), "q", "ctx", time.Second)
	require.NoError(t, err)

	got := v.Received()
	require.Len(t, got, 1)
	req := got[0]
	assert.Equal(t, protocol.KindConsensusRequest, req.Kind)
	assert.Equal(t, protocol.Broadcast, req.To)
	assert.Equal(t, protocol.Coordinator, req.From)
	assert.Equal(t, res.DecisionID, req.CorrelationID)
	assert.Equal(t, res.DecisionID, req.Payload["decision_id"])
	assert.Equal(t, "q", req.Payload["decision"])
	assert.Equal(t, "ctx", req.Payload["context"])
}

func TestRequestConsensus_NoAgents(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.RequestConsensus(t.Context(), "anyone?", nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, res.Decision)
	assert.Equal(t, 0.0, res.AgreementScore)
	assert.Equal(t, LevelNone, res.Level)
	assert.Empty(t, res.Votes)
}

func TestRequestConsensus_SilentVoterExcluded(t *testing.T) {
	h := newHarness(t)
	h.voter(t, "v1", protocol.Payload{"vote": "yes"})
	silent := agent.NewLocal("silent", nil)
	_, err := h.reg.Register("silent", silent)
	require.NoError(t, err)

	start := time.Now()
	res, err := h.engine.RequestConsensus(t.Context(), "q", nil, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, res.Votes, 1)
	assert.Equal(t, "v1", res.Votes[0].AgentID)
	assert.Equal(t, 100.0, res.AgreementScore)
	assert.Equal(t, LevelStrong, res.Level)
	assert.Len(t, silent.Received(), 1)
}

func TestRequestConsensus_IgnoresNonVoteReplies(t *testing.T) {
	h := newHarness(t)
	chatty := agent.NewLocal("chatty", func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
		return self.Reply(ctx, msg, protocol.KindResponse, protocol.Payload{protocol.KeyAction: "ACK"})
	})
	_, err := h.reg.Register("chatty", chatty)
	require.NoError(t, err)

	res, err := h.engine.RequestConsensus(t.Context(), "q", nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, res.Votes)
	assert.Equal(t, LevelNone, res.Level)
}

func TestRequestConsensus_PersistFailureKeepsResult(t *testing.T) {
	h := newHarness(t)
	h.store.SaveConsensusErr = errors.New("database locked")
	h.voter(t, "v1", protocol.Payload{"vote": "A"})

	res, err := h.engine.RequestConsensus(t.Context(), "q", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "A", res.Decision)
	assert.Equal(t, LevelStrong, res.Level)

	_, err = h.store.GetConsensus(t.Context(), res.DecisionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequestConsensus_RouterClosed(t *testing.T) {
	h := newHarness(t)
	h.voter(t, "v1", protocol.Payload{"vote": "A"})
	h.router.Close()

	_, err := h.engine.RequestConsensus(t.Context(), "q", nil, time.Second)
	assert.ErrorIs(t, err, router.ErrClosed)
}

func TestRequestConsensus_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	silent := agent.NewLocal("silent", nil)
	_, err := h.reg.Register("silent", silent)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = h.engine.RequestConsensus(ctx, "q", nil, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
