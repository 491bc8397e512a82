// ABOUTME: Tests for the coordination context
// ABOUTME: Exercises lifecycle, delegates, workflows and consensus end to end with built-in agents

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/builtins"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/consensus"
	"github.com/2389/coven-coordinator/internal/correlator"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/workflow"
)

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestRegistryDelegates(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	id, err := c.Register("alpha", builtins.Echo("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)

	_, err = c.Register("alpha", builtins.Echo("alpha"))
	assert.ErrorIs(t, err, agent.ErrDuplicateAgent)

	assert.ErrorIs(t, c.Unregister("ghost"), agent.ErrUnknownAgent)

	_, ok := c.Agent("alpha")
	assert.True(t, ok)
	assert.Equal(t, 1, c.AgentCount())
	require.Len(t, c.Agents(), 1)
	assert.Equal(t, agent.StatusRegistered, c.Agents()[0].Status)

	require.NoError(t, c.Unregister("alpha"))
	assert.Equal(t, 0, c.AgentCount())
	_, ok = c.Agent("alpha")
	assert.False(t, ok)
}

func TestIndependentContexts(t *testing.T) {
	a := newTestCoordinator(t, Options{})
	b := newTestCoordinator(t, Options{})

	_, err := a.Register("same", builtins.Echo("same"))
	require.NoError(t, err)
	_, err = b.Register("same", builtins.Echo("same"))
	require.NoError(t, err)

	require.NoError(t, a.Unregister("same"))
	assert.Equal(t, 0, a.AgentCount())
	assert.Equal(t, 1, b.AgentCount())
}

func TestSubmitAndWait(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	_, err := c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)

	req := protocol.NewMessage(protocol.Coordinator, "echo", protocol.KindRequest, protocol.Payload{
		protocol.KeyAction: "PING",
		protocol.KeyData:   "hello",
	})
	w := c.Expect(correlator.All(
		correlator.ByCorrelation(req.ID),
		correlator.ByKind(protocol.KindResponse),
	))
	require.NoError(t, c.Submit(t.Context(), req))

	resp, err := w.Wait(t.Context(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Data())
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)

	history := c.History(req.CorrelationID)
	require.Len(t, history, 2)
	assert.Equal(t, req.ID, history[0].ID)
	assert.Equal(t, resp.ID, history[1].ID)
}

func TestWaitForTimeout(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, err := c.WaitFor(t.Context(), correlator.ByCorrelation("never"), 20*time.Millisecond)
	assert.ErrorIs(t, err, correlator.ErrResponseTimeout)
}

func TestRunWorkflow(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	_, err := c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)
	_, err = c.Register("broken", builtins.Failing("broken", "jammed"))
	require.NoError(t, err)

	run, err := c.RunWorkflow(t.Context(), "wf-ok", []workflow.Step{
		{Name: "first", AgentID: "echo", Action: "A", Data: 1},
		{Name: "second", AgentID: "echo", Action: "B", Data: 2},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, run.Status)
	assert.Equal(t, map[string]any{"first": 1, "second": 2}, run.Results)

	run, err = c.RunWorkflow(t.Context(), "wf-bad", []workflow.Step{
		{Name: "ok", AgentID: "echo"},
		{Name: "boom", AgentID: "broken"},
		{Name: "never", AgentID: "echo"},
	}, nil)
	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "jammed", stepErr.Message)
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Equal(t, []string{"ok"}, run.Completed)
}

func TestRequestConsensusPersists(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := newTestCoordinator(t, Options{Store: s})
	for _, v := range []struct {
		id   string
		vote string
		conf float64
	}{
		{"v1", "A", 0.9},
		{"v2", "A", 0.3},
		{"v3", "B", 0.5},
	} {
		_, err := c.Register(v.id, builtins.Voter(v.id, v.vote, v.conf, ""))
		require.NoError(t, err)
	}
	_, err = c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)

	res, err := c.RequestConsensus(t.Context(), "pick one", nil, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "A", res.Decision)
	assert.Equal(t, 70.59, res.AgreementScore)
	assert.Equal(t, consensus.LevelModerate, res.Level)
	assert.Len(t, res.Votes, 3)

	saved, err := s.GetConsensus(t.Context(), res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "pick one", saved.Topic)
	assert.Len(t, saved.Votes, 3)
}

func TestRequestConsensusZeroVotes(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	res, err := c.RequestConsensus(t.Context(), "anyone?", nil, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, res.Decision)
	assert.Equal(t, 0.0, res.AgreementScore)
	assert.Equal(t, consensus.LevelNone, res.Level)
	assert.Empty(t, res.Votes)
}

func TestObserve(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	ch, stop := c.Observe(t.Context(), func(m *protocol.Message) bool {
		return m.Kind == protocol.KindBroadcast
	})
	defer stop()

	require.NoError(t, c.Submit(t.Context(), protocol.NewMessage(protocol.Coordinator, protocol.Broadcast, protocol.KindBroadcast, protocol.Payload{})))

	select {
	case msg := <-ch:
		assert.Equal(t, protocol.KindBroadcast, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("no message observed")
	}
}

func TestReset(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	_, err := c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)

	msg := protocol.NewMessage(protocol.Coordinator, "echo", protocol.KindBroadcast, protocol.Payload{})
	require.NoError(t, c.Submit(t.Context(), msg))
	require.NotEmpty(t, c.History(msg.CorrelationID))

	c.Reset()

	assert.Equal(t, 0, c.AgentCount())
	assert.Empty(t, c.History(msg.CorrelationID))

	// Still usable after a reset
	_, err = c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)
	require.NoError(t, c.Submit(t.Context(), msg))
}

func TestShutdown(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))
	_, err = c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(t.Context()))
	require.NoError(t, c.Shutdown(t.Context()))

	_, err = c.Register("x", builtins.Echo("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Unregister("echo"), ErrClosed)
	assert.ErrorIs(t, c.Submit(t.Context(), protocol.NewMessage("a", "b", protocol.KindRequest, protocol.Payload{})), ErrClosed)
	_, err = c.RunWorkflow(t.Context(), "wf", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.RequestConsensus(t.Context(), "q", nil, time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.WaitFor(t.Context(), correlator.ByCorrelation("x"), time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Start(t.Context()), ErrClosed)
	assert.Equal(t, 0, c.AgentCount())
}

func TestCheckHealth(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	_, err := c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)
	_, err = c.Register("broken", builtins.Failing("broken", "overheated"))
	require.NoError(t, err)

	reports := c.CheckHealth(t.Context())
	require.Len(t, reports, 2)
	assert.Equal(t, "broken", reports[0].AgentID)
	assert.Equal(t, agent.Unhealthy, reports[0].Status)
	assert.Equal(t, "overheated", reports[0].Detail)
	assert.Equal(t, "echo", reports[1].AgentID)
	assert.Equal(t, agent.Healthy, reports[1].Status)
}

func TestCheckHealthAfterReRegister(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	_, err := c.Register("worker", builtins.Failing("worker", "old"))
	require.NoError(t, err)

	reports := c.CheckHealth(t.Context())
	require.Len(t, reports, 1)
	assert.Equal(t, agent.Unhealthy, reports[0].Status)

	require.NoError(t, c.Unregister("worker"))
	_, err = c.Register("worker", builtins.Echo("worker"))
	require.NoError(t, err)

	reports = c.CheckHealth(t.Context())
	require.Len(t, reports, 1)
	assert.Equal(t, agent.Healthy, reports[0].Status, "cached report of the previous handle must not be reused")
}

func TestStartRunsPeriodicSweep(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Interval = 10 * time.Millisecond
	cfg.Health.CacheTTL = 0

	sink := health.NewServer()
	c := newTestCoordinator(t, Options{Config: cfg, HealthSink: sink})
	_, err := c.Register("echo", builtins.Echo("echo"))
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))

	require.Eventually(t, func() bool {
		resp, err := sink.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "echo"})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
