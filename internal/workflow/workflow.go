// ABOUTME: Workflow orchestrator running ordered request steps against agents
// ABOUTME: Each step waits for a correlated reply; the first failure aborts the run

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/correlator"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/telemetry"
)

// DefaultStepTimeout bounds a step that does not set its own timeout.
const DefaultStepTimeout = 30 * time.Second

// ErrInvalidWorkflow is returned for a malformed step list.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step is one request in a workflow.
type Step struct {
	Name    string
	AgentID string
	Action  string
	Data    any
	Timeout time.Duration // zero means the orchestrator default
}

// Run is the state of one workflow execution. It is owned by the Run call
// that created it and is terminal when returned.
type Run struct {
	ID          string
	Steps       []Step
	Status      Status
	Results     map[string]any
	Completed   []string // step names in completion order
	StartedAt   time.Time
	CompletedAt time.Time
	Err         error
}

// Submitter accepts messages for routing.
type Submitter interface {
	Submit(ctx context.Context, msg *protocol.Message) error
}

// Directory reports whether an agent is registered.
type Directory interface {
	Has(id string) bool
}

// Expecter arms one-shot waiters before a message is submitted.
type Expecter interface {
	Expect(pred correlator.Predicate) *correlator.Waiter
}

// Options configures an Orchestrator.
type Options struct {
	Router         Submitter
	Agents         Directory
	Correlator     Expecter
	Metrics        *telemetry.Metrics // optional
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Orchestrator executes workflows sequentially, one step at a time.
type Orchestrator struct {
	router         Submitter
	agents         Directory
	correlator     Expecter
	metrics        *telemetry.Metrics
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultStepTimeout
	}
	return &Orchestrator{
		router:         opts.Router,
		agents:         opts.Agents,
		correlator:     opts.Correlator,
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logger.With("component", "workflow"),
	}
}

// Run executes steps in order and returns the terminal run. The returned
// error is the run's Err; the run itself is never nil. An empty workflowID
// is replaced by a generated one.
func (o *Orchestrator) Run(ctx context.Context, workflowID string, steps []Step, input any) (*Run, error) {
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	run := &Run{
		ID:        workflowID,
		Steps:     append([]Step(nil), steps...),
		Status:    StatusRunning,
		Results:   make(map[string]any),
		StartedAt: time.Now().UTC(),
	}

	ctx, span := telemetry.StartWorkflowSpan(ctx, workflowID, len(steps))

	logger := o.logger.With("workflow_id", workflowID)
	logger.Info("workflow started", "steps", len(steps))

	err := validateSteps(steps)
	if err == nil {
		for i, step := range run.Steps {
			var result any
			result, err = o.runStep(ctx, run, i, step, input)
			if err != nil {
				err = fmt.Errorf("step %q: %w", step.Name, err)
				break
			}
			run.Results[step.Name] = result
			run.Completed = append(run.Completed, step.Name)
			logger.Debug("step completed", "step", step.Name, "agent_id", step.AgentID)
		}
	}

	run.CompletedAt = time.Now().UTC()
	if err != nil {
		run.Status = StatusFailed
		run.Err = err
		logger.Warn("workflow failed",
			"completed_steps", len(run.Completed),
			"error", err,
		)
	} else {
		run.Status = StatusCompleted
		logger.Info("workflow completed", "duration", run.CompletedAt.Sub(run.StartedAt))
	}

	telemetry.EndSpan(span, err)
	o.metrics.WorkflowFinished(ctx, string(run.Status), run.CompletedAt.Sub(run.StartedAt).Seconds())
	return run, err
}

func (o *Orchestrator) runStep(ctx context.Context, run *Run, index int, step Step, input any) (result any, err error) {
	ctx, span := telemetry.StartStepSpan(ctx, step.Name, step.AgentID)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !o.agents.Has(step.AgentID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, step.AgentID)
	}

	req := protocol.NewMessage(protocol.Coordinator, step.AgentID, protocol.KindRequest, protocol.Payload{
		protocol.KeyAction: step.Action,
		protocol.KeyData:   step.Data,
		"workflow": map[string]any{
			"id":      run.ID,
			"step":    step.Name,
			"index":   index,
			"input":   input,
			"results": copyResults(run.Results),
		},
	})

	// Armed before submit: a handle may answer synchronously during delivery.
	waiter := o.correlator.Expect(correlator.All(
		correlator.ByCorrelation(req.ID),
		correlator.ByKind(protocol.KindResponse, protocol.KindError),
	))

	if err := o.router.Submit(ctx, req); err != nil {
		waiter.Cancel()
		return nil, fmt.Errorf("submitting request: %w", err)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	reply, err := waiter.Wait(ctx, timeout)
	if err != nil {
		if errors.Is(err, correlator.ErrResponseTimeout) {
			o.metrics.WaiterTimedOut(ctx, "workflow")
		}
		return nil, err
	}

	if reply.Kind == protocol.KindError {
		return nil, &StepError{
			Step:    step.Name,
			AgentID: reply.From,
			Message: errorText(reply.Payload),
		}
	}
	return reply.Data(), nil
}

func validateSteps(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidWorkflow, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate step name %q", ErrInvalidWorkflow, s.Name)
		}
		seen[s.Name] = true
		if s.AgentID == "" {
			return fmt.Errorf("%w: step %q has no agent", ErrInvalidWorkflow, s.Name)
		}
	}
	return nil
}

func copyResults(results map[string]any) map[string]any {
	out := make(map[string]any, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

func errorText(p protocol.Payload) string {
	if s, ok := p[protocol.KeyError].(string); ok && s != "" {
		return s
	}
	return "agent reported an error"
}
