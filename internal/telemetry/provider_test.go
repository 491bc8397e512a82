// ABOUTME: Tests for the SDK telemetry providers
// ABOUTME: Collects counters through a manual reader and spans through an in-memory exporter

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProviders(t *testing.T) (*Providers, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewInMemoryExporter()
	p, err := NewProviders(context.Background(), ProviderConfig{
		ServiceName:  "coordinator-test",
		Reader:       reader,
		SpanExporter: spans,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, reader, spans
}

// counterValue sums the data points of an int64 counter whose attrs include key=value.
func counterValue(t *testing.T, reader sdkmetric.Reader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestProviders_RecordMetrics(t *testing.T) {
	p, reader, _ := newTestProviders(t)
	m, err := p.Metrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.MessageSubmitted(ctx, "REQUEST")
	m.MessageSubmitted(ctx, "REQUEST")
	m.MessageSubmitted(ctx, "VOTE")
	m.MessageDropped(ctx, "invalid")
	m.ConsensusFinished(ctx, "strong", 100)

	assert.Equal(t, int64(2), counterValue(t, reader, "coordinator.messages.submitted", "kind", "REQUEST"))
	assert.Equal(t, int64(3), counterValue(t, reader, "coordinator.messages.submitted", "", ""))
	assert.Equal(t, int64(1), counterValue(t, reader, "coordinator.messages.dropped", "reason", "invalid"))
	assert.Equal(t, int64(1), counterValue(t, reader, "coordinator.consensus.rounds", "level", "strong"))
}

func TestProviders_InstallRecordsSpans(t *testing.T) {
	prevTracer, prevMeter := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTracer)
		otel.SetMeterProvider(prevMeter)
	})

	p, _, spans := newTestProviders(t)
	p.Install()

	ctx, run := StartWorkflowSpan(context.Background(), "wf-1", 1)
	_, step := StartStepSpan(ctx, "s1", "agent-1")
	EndSpan(step, errors.New("timeout"))
	EndSpan(run, nil)

	got := spans.GetSpans()
	require.Len(t, got, 2)
	assert.Equal(t, "workflow.step", got[0].Name)
	assert.Equal(t, "Error", got[0].Status.Code.String())
	assert.Equal(t, "workflow.run", got[1].Name)
	assert.Equal(t, got[1].SpanContext.SpanID(), got[0].Parent.SpanID())
}

func TestProviders_ShutdownIsFinal(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewProviders(context.Background(), ProviderConfig{
		Reader:       reader,
		SpanExporter: tracetest.NewInMemoryExporter(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	var rm metricdata.ResourceMetrics
	assert.Error(t, reader.Collect(context.Background(), &rm))
}
