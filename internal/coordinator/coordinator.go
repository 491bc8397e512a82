// ABOUTME: Coordination context composing registry, router, correlator, workflows and consensus
// ABOUTME: Explicitly constructed with a Start/Reset/Shutdown lifecycle and no package-level state

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/consensus"
	"github.com/2389/coven-coordinator/internal/correlator"
	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/router"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/telemetry"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// ErrClosed is returned by every operation after Shutdown.
var ErrClosed = router.ErrClosed

// Options configures a Coordinator.
type Options struct {
	Config     *config.Config     // config.Default() when nil
	Store      store.Store        // optional; not closed by the coordinator
	HealthSink agent.StatusSink   // optional
	Metrics    *telemetry.Metrics // optional; created when telemetry is enabled
	Logger     *slog.Logger
}

// Coordinator is one independent coordination context. Several may coexist
// in a process.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	events     *events.Broadcaster
	registry   *agent.Registry
	router     *router.Router
	correlator *correlator.Correlator
	workflows  *workflow.Orchestrator
	consensus  *consensus.Engine
	health     *agent.HealthChecker
	dedupe     *dedupe.Window

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	sweeps  sync.WaitGroup
}

// New wires a coordinator. Operations are usable immediately; Start only
// launches background work.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := opts.Metrics
	if metrics == nil && cfg.Telemetry.Enabled {
		m, err := telemetry.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
		metrics = m
	}

	c := &Coordinator{
		cfg:    cfg,
		logger: logger.With("component", "coordinator"),
		events: events.NewBroadcaster(logger),
	}

	if cfg.Coordinator.DedupeMaxSize > 0 {
		c.dedupe = dedupe.NewWindow(cfg.Coordinator.DedupeTTL, cfg.Coordinator.DedupeMaxSize)
	}

	// The registry feeds agent output into the router, which needs the
	// registry as its directory.
	c.registry = agent.NewRegistry(func(ctx context.Context, msg *protocol.Message) error {
		return c.router.Submit(ctx, msg)
	}, logger)

	var msgStore store.MessageStore
	var consensusStore store.ConsensusStore
	if opts.Store != nil {
		msgStore = opts.Store
		consensusStore = opts.Store
	}

	c.router = router.New(router.Options{
		Directory:       c.registry,
		Publisher:       c.events,
		Store:           msgStore,
		Dedupe:          c.dedupe,
		Metrics:         metrics,
		DeliveryTimeout: cfg.Coordinator.DeliveryTimeout,
		PersistTimeout:  cfg.Coordinator.PersistTimeout,
		Logger:          logger,
	})
	c.correlator = correlator.New(c.events, logger)
	c.workflows = workflow.New(workflow.Options{
		Router:         c.router,
		Agents:         c.registry,
		Correlator:     c.correlator,
		Metrics:        metrics,
		DefaultTimeout: cfg.Coordinator.StepTimeout,
		Logger:         logger,
	})
	c.consensus = consensus.New(consensus.Options{
		Router:         c.router,
		Voters:         c.registry,
		Correlator:     c.correlator,
		Store:          consensusStore,
		Metrics:        metrics,
		DefaultTimeout: cfg.Coordinator.ConsensusTimeout,
		PersistTimeout: cfg.Coordinator.PersistTimeout,
		Logger:         logger,
	})

	health, err := agent.NewHealthChecker(c.registry, agent.HealthOptions{
		Timeout:  cfg.Health.Timeout,
		CacheTTL: cfg.Health.CacheTTL,
		Sink:     opts.HealthSink,
		Logger:   logger,
	})
	if err != nil {
		if c.dedupe != nil {
			c.dedupe.Close()
		}
		return nil, err
	}
	c.health = health

	return c, nil
}

// Start launches the periodic health sweep when health.interval is set.
// Calling Start twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	if interval := c.cfg.Health.Interval; interval > 0 {
		c.sweeps.Add(1)
		go c.sweepLoop(ctx, interval)
	}

	c.logger.Info("coordinator started", "health_interval", c.cfg.Health.Interval)
	return nil
}

func (c *Coordinator) sweepLoop(ctx context.Context, interval time.Duration) {
	defer c.sweeps.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range c.health.Sweep(ctx) {
				if r.Status == agent.Unhealthy {
					c.logger.Warn("agent unhealthy", "agent_id", r.AgentID, "detail", r.Detail)
				}
			}
		}
	}
}

// Reset unregisters every agent and forgets history, dedupe state, pending
// waiters and cached health. The coordinator stays usable.
func (c *Coordinator) Reset() {
	c.registry.Close()
	c.router.Reset()
	c.events.Reset()
	c.health.Invalidate()
	c.logger.Info("coordinator reset")
}

// Shutdown stops background work, detaches all agents and waits for pending
// persistence until ctx ends. The store is left open for its owner.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("shutting down coordinator")

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.sweeps.Wait()
		c.registry.Close()
		c.router.Close()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for pending work: %w", ctx.Err())
	}

	c.events.Close()
	if c.dedupe != nil {
		c.dedupe.Close()
	}
	c.health.Close()
	return err
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Register adds an agent handle under id.
func (c *Coordinator) Register(id string, h agent.Handle) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	return c.registry.Register(id, h)
}

// Unregister removes an agent.
func (c *Coordinator) Unregister(id string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.registry.Unregister(id); err != nil {
		return err
	}
	c.health.Forget(id)
	return nil
}

// Agent returns the handle registered under id.
func (c *Coordinator) Agent(id string) (agent.Handle, bool) {
	return c.registry.Get(id)
}

// Agents lists registered agents in registration order.
func (c *Coordinator) Agents() []agent.AgentInfo {
	return c.registry.Info()
}

// AgentCount returns the number of registered agents.
func (c *Coordinator) AgentCount() int {
	return c.registry.Count()
}

// Submit routes a message. See router.Router.Submit.
func (c *Coordinator) Submit(ctx context.Context, msg *protocol.Message) error {
	return c.router.Submit(ctx, msg)
}

// History returns the messages seen for a correlation id.
func (c *Coordinator) History(correlationID string) []*protocol.Message {
	return c.router.History(correlationID)
}

// WaitFor blocks until a routed message satisfies pred or timeout elapses.
func (c *Coordinator) WaitFor(ctx context.Context, pred correlator.Predicate, timeout time.Duration) (*protocol.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.correlator.WaitFor(ctx, pred, timeout)
}

// Expect arms a waiter before the message that will trigger its match is
// submitted.
func (c *Coordinator) Expect(pred correlator.Predicate) *correlator.Waiter {
	return c.correlator.Expect(pred)
}

// RunWorkflow executes steps in order. See workflow.Orchestrator.Run.
func (c *Coordinator) RunWorkflow(ctx context.Context, workflowID string, steps []workflow.Step, input any) (*workflow.Run, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.workflows.Run(ctx, workflowID, steps, input)
}

// RequestConsensus runs one consensus round. A zero timeout uses
// coordinator.consensus_timeout.
func (c *Coordinator) RequestConsensus(ctx context.Context, decision, decisionContext any, timeout time.Duration) (*consensus.Result, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.consensus.RequestConsensus(ctx, decision, decisionContext, timeout)
}

// CheckHealth runs one health sweep now.
func (c *Coordinator) CheckHealth(ctx context.Context) []agent.HealthReport {
	return c.health.Sweep(ctx)
}

// Observe subscribes to every routed message accepted by filter. The
// returned function ends the subscription; cancelling ctx does too.
func (c *Coordinator) Observe(ctx context.Context, filter events.Filter) (<-chan *protocol.Message, func()) {
	ch, subID := c.events.Subscribe(ctx, filter, events.DefaultBufferSize)
	return ch, func() { c.events.Unsubscribe(subID) }
}
