// ABOUTME: Tests for the agent registry
// ABOUTME: Covers uniqueness, unregistration, lookups, and outbox forwarding

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// captureIntake records every message forwarded by the registry.
type captureIntake struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	err  error
}

func (c *captureIntake) submit(_ context.Context, msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *captureIntake) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// silentHandle implements Handle but not Emitter.
type silentHandle struct{}

func (silentHandle) ReceiveMessage(context.Context, *protocol.Message) error { return nil }
func (silentHandle) Status(context.Context) (*Status, error)                { return &Status{Healthy: true}, nil }

func TestRegistry_RegisterReturnsID(t *testing.T) {
	r := NewRegistry(nil, nil)

	id, err := r.Register("agent-1", NewLocal("agent-1", nil))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", id)
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Has("agent-1"))
}

func TestRegistry_DuplicateAgent(t *testing.T) {
	r := NewRegistry(nil, nil)

	_, err := r.Register("agent-1", silentHandle{})
	require.NoError(t, err)

	_, err = r.Register("agent-1", silentHandle{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateAgent))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_UnknownAgent(t *testing.T) {
	r := NewRegistry(nil, nil)

	err := r.Unregister("ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = r.Register("agent-1", silentHandle{})
	require.NoError(t, err)
	require.NoError(t, r.Unregister("agent-1"))

	err = r.Unregister("agent-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_RejectsReservedAndInvalidIDs(t *testing.T) {
	r := NewRegistry(nil, nil)

	for _, id := range []string{"", protocol.Broadcast, protocol.Coordinator, "bad id"} {
		_, err := r.Register(id, silentHandle{})
		assert.ErrorIs(t, err, ErrInvalidAgentID, "id %q", id)
	}
	_, err := r.Register("agent-1", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_LookupsOnMiss(t *testing.T) {
	r := NewRegistry(nil, nil)

	h, ok := r.Get("nobody")
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.Empty(t, r.All())
	assert.Empty(t, r.IDs())
	assert.Empty(t, r.Info())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Register(id, silentHandle{})
		require.NoError(t, err)
	}
	require.NoError(t, r.Unregister("a"))

	assert.Equal(t, []string{"c", "b"}, r.IDs())
	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].ID)

	infos := r.Info()
	require.Len(t, infos, 2)
	assert.Equal(t, StatusRegistered, infos[1].Status)
	assert.False(t, infos[1].RegisteredAt.IsZero())
}

func TestRegistry_ForwardsOutbox(t *testing.T) {
	intake := &captureIntake{}
	r := NewRegistry(intake.submit, nil)

	local := NewLocal("agent-1", nil)
	_, err := r.Register("agent-1", local)
	require.NoError(t, err)

	msg := protocol.NewMessage("agent-1", protocol.Coordinator, protocol.KindBroadcast, nil)
	require.NoError(t, local.Emit(t.Context(), msg))

	assert.Eventually(t, func() bool { return intake.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_IntakeErrorDoesNotStopForwarding(t *testing.T) {
	intake := &captureIntake{err: errors.New("closed")}
	r := NewRegistry(intake.submit, nil)

	local := NewLocal("agent-1", nil)
	_, err := r.Register("agent-1", local)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, local.Emit(t.Context(), protocol.NewMessage("agent-1", "x", protocol.KindRequest, nil)))
	}
	assert.Eventually(t, func() bool { return intake.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_UnregisterDetachesOutbox(t *testing.T) {
	intake := &captureIntake{}
	r := NewRegistry(intake.submit, nil)

	local := NewLocal("agent-1", nil)
	_, err := r.Register("agent-1", local)
	require.NoError(t, err)
	require.NoError(t, r.Unregister("agent-1"))

	require.NoError(t, local.Emit(t.Context(), protocol.NewMessage("agent-1", "x", protocol.KindRequest, nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, intake.count())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Register(id, NewLocal(id, nil))
		require.NoError(t, err)
	}
	r.Close()
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ConcurrentRegisterSameID(t *testing.T) {
	r := NewRegistry(nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register("shared", silentHandle{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}
