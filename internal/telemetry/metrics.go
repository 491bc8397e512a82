// ABOUTME: OpenTelemetry metric instruments for bus, workflow, and consensus activity
// ABOUTME: Methods are nil-safe so components can run without metrics

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/2389/coven-coordinator"

// Metrics holds all coordinator metric instruments.
type Metrics struct {
	MessagesSubmitted metric.Int64Counter
	MessagesDropped   metric.Int64Counter
	DeliveryFailures  metric.Int64Counter
	PersistFailures   metric.Int64Counter
	WaiterTimeouts    metric.Int64Counter
	WorkflowRuns      metric.Int64Counter
	WorkflowDuration  metric.Float64Histogram
	ConsensusRounds   metric.Int64Counter
	AgreementScore    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates all metric instruments from provider.
func NewMetricsFrom(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.MessagesSubmitted, err = meter.Int64Counter("coordinator.messages.submitted",
		metric.WithDescription("Messages accepted by the router"))
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("coordinator.messages.dropped",
		metric.WithDescription("Messages dropped before routing"))
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("coordinator.delivery.failures",
		metric.WithDescription("Agent handles that failed to receive a message"))
	if err != nil {
		return nil, err
	}

	m.PersistFailures, err = meter.Int64Counter("coordinator.persist.failures",
		metric.WithDescription("Failed writes to the persistence adapter"))
	if err != nil {
		return nil, err
	}

	m.WaiterTimeouts, err = meter.Int64Counter("coordinator.waiters.timeouts",
		metric.WithDescription("Waits that expired without a matching message"))
	if err != nil {
		return nil, err
	}

	m.WorkflowRuns, err = meter.Int64Counter("coordinator.workflow.runs",
		metric.WithDescription("Finished workflow runs by status"))
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("coordinator.workflow.duration_seconds",
		metric.WithDescription("Workflow run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ConsensusRounds, err = meter.Int64Counter("coordinator.consensus.rounds",
		metric.WithDescription("Consensus rounds by agreement level"))
	if err != nil {
		return nil, err
	}

	m.AgreementScore, err = meter.Float64Histogram("coordinator.consensus.agreement_score",
		metric.WithDescription("Agreement score of finished consensus rounds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MessageSubmitted counts an accepted message.
func (m *Metrics) MessageSubmitted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.MessagesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// MessageDropped counts a message dropped for reason.
func (m *Metrics) MessageDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// DeliveryFailed counts a failed delivery.
func (m *Metrics) DeliveryFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DeliveryFailures.Add(ctx, 1)
}

// PersistFailed counts a failed persistence write of the given kind.
func (m *Metrics) PersistFailed(ctx context.Context, what string) {
	if m == nil {
		return
	}
	m.PersistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("what", what)))
}

// WaiterTimedOut counts an expired wait.
func (m *Metrics) WaiterTimedOut(ctx context.Context, site string) {
	if m == nil {
		return
	}
	m.WaiterTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("site", site)))
}

// WorkflowFinished records a terminal workflow run.
func (m *Metrics) WorkflowFinished(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.WorkflowRuns.Add(ctx, 1, attrs)
	m.WorkflowDuration.Record(ctx, seconds, attrs)
}

// ConsensusFinished records a finished consensus round.
func (m *Metrics) ConsensusFinished(ctx context.Context, level string, score float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("level", level))
	m.ConsensusRounds.Add(ctx, 1, attrs)
	m.AgreementScore.Record(ctx, score, attrs)
}
